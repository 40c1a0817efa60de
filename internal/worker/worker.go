// Package worker runs the top-level streaming loop: refresh the media
// playlist at the cadence its target duration dictates, hand due segments
// to the pump, and terminate cleanly.
//
// All work is single-threaded and cooperative. A refresh never overlaps
// another refresh, a segment fetch never overlaps another fetch, and the
// sink sees segments in strict sequence order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/brian6932/twitch-hls-client/internal/agent"
	"github.com/brian6932/twitch-hls-client/internal/parser"
	"github.com/brian6932/twitch-hls-client/internal/pump"
	"github.com/brian6932/twitch-hls-client/internal/selector"
)

// Config controls one worker run.
type Config struct {
	// PlaylistURL is the media playlist of the chosen variant.
	PlaylistURL string

	// LowLatency enables the prefetch-segment path. When false the
	// parser drops prefetch tags and only Normal segments flow.
	LowLatency bool

	// Selector tunes the failure thresholds.
	Selector selector.Config

	// MinCadence and MaxCadence clamp the refresh interval. Zero values
	// select the defaults.
	MinCadence time.Duration
	MaxCadence time.Duration
}

const (
	defaultMinCadence = 250 * time.Millisecond
	defaultMaxCadence = 3 * time.Second
)

// Worker owns the StreamState for one run. It is created, run once, and
// discarded.
type Worker struct {
	cfg    Config
	agent  *agent.Agent
	pump   *pump.Pump
	sel    *selector.Selector
	logger hclog.Logger

	wroteInit bool

	// sleep is swappable so tests can run ticks without real time passing
	sleep func(context.Context, time.Duration)
}

// New creates a worker. The logger may be nil.
func New(cfg Config, a *agent.Agent, p *pump.Pump, logger hclog.Logger) *Worker {
	if cfg.MinCadence <= 0 {
		cfg.MinCadence = defaultMinCadence
	}
	if cfg.MaxCadence <= 0 {
		cfg.MaxCadence = defaultMaxCadence
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Worker{
		cfg:    cfg,
		agent:  a,
		pump:   p,
		sel:    selector.New(cfg.Selector, logger.Named("selector")),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Run drives the loop until the stream ends, the player closes, a failure
// threshold trips, or ctx is cancelled. The returned error is terminal;
// classify it with Classify.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		tickStart := time.Now()

		pl, err := w.refresh()
		if err != nil {
			if errors.Is(err, agent.ErrGone) {
				// The playlist went away: the channel ended
				w.sel.MarkEnded()
				return fmt.Errorf("media playlist gone: %w", err)
			}
			if terminal := w.sel.OnRefreshError(err); terminal != nil {
				return terminal
			}
			w.sleep(ctx, w.cadence(0))
			continue
		}

		if terminal := w.sel.OnPlaylist(pl); terminal != nil {
			return terminal
		}

		if err := w.drain(pl); err != nil {
			return err
		}

		if w.sel.State() == selector.Ended {
			w.logger.Info("stream ended")
			return nil
		}

		cadence := w.cadence(pl.TargetDuration)
		if remaining := cadence - time.Since(tickStart); remaining > 0 {
			w.sleep(ctx, remaining)
		}
	}
}

func (w *Worker) refresh() (*parser.MediaPlaylist, error) {
	body, err := w.agent.GetText(w.cfg.PlaylistURL, nil)
	if err != nil {
		return nil, err
	}

	pl, err := parser.ParseMedia([]byte(body), w.cfg.PlaylistURL, w.cfg.LowLatency)
	if err != nil {
		// The next refresh may be well-formed again
		return nil, err
	}
	return pl, nil
}

// drain writes every due segment. The pump blocks while the sink accepts
// bytes, so a slow player delays the next refresh instead of queueing.
func (w *Worker) drain(pl *parser.MediaPlaylist) error {
	for {
		seg, ok := w.sel.Next()
		if !ok {
			return nil
		}

		if !w.wroteInit {
			w.wroteInit = true
			if pl.MapURI != "" {
				if _, err := w.pump.WriteInit(pl.MapURI); err != nil {
					if errors.Is(err, pump.ErrDownstreamClosed) {
						return err
					}
					w.logger.Warn("failed to write initialization section", "error", err)
				}
			}
		}

		if _, err := w.pump.WriteSegment(seg); err != nil {
			if errors.Is(err, pump.ErrDownstreamClosed) {
				w.logger.Info("player closed")
				return err
			}
			// Abandon the segment; re-fetching a partial body would
			// desynchronize the player
			w.logger.Warn("abandoning segment", "seq", seg.Sequence, "error", err)
		}
	}
}

// cadence derives the refresh interval from the advertised target
// duration: half of it on low-latency streams, clamped either way.
func (w *Worker) cadence(targetDuration float64) time.Duration {
	d := time.Duration(targetDuration * float64(time.Second))
	if d <= 0 {
		d = w.cfg.MaxCadence
	}
	if w.sel.LowLatency() {
		d /= 2
	}
	if d < w.cfg.MinCadence {
		d = w.cfg.MinCadence
	}
	if d > w.cfg.MaxCadence {
		d = w.cfg.MaxCadence
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
