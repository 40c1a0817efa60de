// Package selector decides which segment the pump writes next. It owns the
// per-run stream state: the last written sequence number, the catchup
// backlog, and the failure counters that turn a misbehaving playlist into a
// terminal condition.
package selector

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/brian6932/twitch-hls-client/internal/parser"
	"github.com/brian6932/twitch-hls-client/internal/segment"
)

// State is the lifecycle state of the stream selection.
type State int

const (
	// Init is the start state, before the first playlist is seen.
	Init State = iota

	// Buffering covers the window between the initial emission and the
	// first refresh that advances the stream. Selection policy is the
	// same as Streaming.
	Buffering

	// Streaming is steady state: at most one new segment per refresh.
	Streaming

	// Catchup holds a backlog of more than one pending segment, drained
	// one per tick without waiting on a refresh.
	Catchup

	// Ended is terminal: end marker seen and all assigned segments
	// drained, or the playlist went away. No playlist can revive it.
	Ended

	// Failed is terminal: a failure threshold was crossed.
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Buffering:
		return "buffering"
	case Streaming:
		return "streaming"
	case Catchup:
		return "catchup"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	}
	return "unknown"
}

var (
	// ErrStalled is returned when too many consecutive refreshes produced
	// no new segment.
	ErrStalled = errors.New("stream stalled")

	// ErrRefreshExhausted is returned when too many consecutive refreshes
	// failed outright.
	ErrRefreshExhausted = errors.New("too many consecutive refresh failures")
)

// Config tunes the failure thresholds. Zero values select the defaults.
type Config struct {
	// MaxRefreshFailures is the number of consecutive failed refreshes
	// tolerated before the stream is declared dead.
	MaxRefreshFailures int

	// MaxEmptyRefreshes is the number of consecutive refreshes without a
	// new segment tolerated before the stream is declared stalled.
	MaxEmptyRefreshes int
}

const (
	defaultMaxRefreshFailures = 5
	defaultMaxEmptyRefreshes  = 30
)

// Selector is the segment selection state machine. It is owned by the
// worker loop and not safe for concurrent use.
type Selector struct {
	cfg    Config
	logger hclog.Logger

	state   State
	lastSeq uint64

	backlog []segment.Segment

	ended  bool
	endSeq uint64

	emptyRefreshes  int
	refreshFailures int

	lowLatency    bool
	sawLowLatency bool
}

// New creates a selector. The logger may be nil.
func New(cfg Config, logger hclog.Logger) *Selector {
	if cfg.MaxRefreshFailures <= 0 {
		cfg.MaxRefreshFailures = defaultMaxRefreshFailures
	}
	if cfg.MaxEmptyRefreshes <= 0 {
		cfg.MaxEmptyRefreshes = defaultMaxEmptyRefreshes
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Selector{cfg: cfg, logger: logger, state: Init}
}

// State returns the current lifecycle state.
func (s *Selector) State() State { return s.state }

// LowLatency reports whether the stream was observed to be low-latency.
// The flag is sticky from the first playlist.
func (s *Selector) LowLatency() bool { return s.lowLatency }

// OnPlaylist feeds a freshly parsed playlist refresh into the state
// machine. Segments that become due are queued for Next. A non-nil error
// is terminal.
func (s *Selector) OnPlaylist(pl *parser.MediaPlaylist) error {
	if s.state == Ended || s.state == Failed {
		return nil
	}

	s.refreshFailures = 0

	if !s.sawLowLatency {
		s.lowLatency = pl.LowLatency
		s.sawLowLatency = true
	}

	if pl.Ended && !s.ended {
		s.ended = true
		s.endSeq = highestSeq(pl.Segments)
		s.logger.Info("end of stream signalled", "end", s.endSeq)
	}

	if s.state == Init {
		return s.initialEmit(pl)
	}

	if high := highestSeq(pl.Segments); len(pl.Segments) > 0 && high < s.lastSeq {
		s.logger.Warn("sequence numbers jumped backwards, resetting", "from", s.lastSeq, "to", high)
		s.backlog = s.backlog[:0]
		s.state = Init
		return s.initialEmit(pl)
	}

	return s.advance(pl)
}

// initialEmit picks the starting segment: the newest prefetch segment when
// the stream is low-latency, otherwise the newest normal segment.
func (s *Selector) initialEmit(pl *parser.MediaPlaylist) error {
	var pick *segment.Segment
	for i := len(pl.Segments) - 1; i >= 0; i-- {
		seg := pl.Segments[i]
		if seg.Ad {
			continue
		}
		if pick == nil {
			pick = &pl.Segments[i]
		}
		if !s.lowLatency && seg.Kind == segment.Normal {
			pick = &pl.Segments[i]
			break
		}
		if s.lowLatency {
			// Newest segment of any kind; prefetch sorts last
			break
		}
	}

	if pick == nil {
		return s.emptyRefresh()
	}

	s.backlog = append(s.backlog, *pick)
	s.lastSeq = pick.Sequence
	s.emptyRefreshes = 0
	s.state = Buffering
	s.logger.Debug("initial segment selected", "seq", pick.Sequence, "kind", pick.Kind)
	return nil
}

// advance queues every not-yet-written segment from the refresh.
func (s *Selector) advance(pl *parser.MediaPlaylist) error {
	floor := s.lastSeq
	if n := len(s.backlog); n > 0 {
		floor = s.backlog[n-1].Sequence
	}

	fresh := 0
	adSeq, sawAd := uint64(0), false
	for _, seg := range pl.Segments {
		if seg.Sequence <= floor {
			continue
		}
		if s.ended && seg.Sequence > s.endSeq {
			continue
		}
		if seg.Ad {
			if seg.Sequence > adSeq {
				adSeq, sawAd = seg.Sequence, true
			}
			continue
		}
		s.backlog = append(s.backlog, seg)
		floor = seg.Sequence
		fresh++
	}

	if fresh == 0 {
		if sawAd && adSeq > s.lastSeq && len(s.backlog) == 0 {
			// Ads consume sequence numbers but are never written
			s.logger.Info("filtering ad segment", "seq", adSeq)
			s.lastSeq = adSeq
			s.emptyRefreshes = 0
			return nil
		}
		if s.ended {
			return nil
		}
		return s.emptyRefresh()
	}

	s.emptyRefreshes = 0
	if len(s.backlog) > 1 {
		s.logger.Debug("entering catchup", "pending", len(s.backlog))
		s.state = Catchup
	} else {
		s.state = Streaming
	}
	return nil
}

func (s *Selector) emptyRefresh() error {
	s.emptyRefreshes++
	if s.emptyRefreshes > s.cfg.MaxEmptyRefreshes {
		s.state = Failed
		return fmt.Errorf("%w: no new segment after %d refreshes", ErrStalled, s.emptyRefreshes)
	}
	s.logger.Debug("playlist unchanged", "consecutive", s.emptyRefreshes)
	return nil
}

// OnRefreshError records a failed refresh: transient network errors and
// parse errors both count toward the failure threshold. A non-nil return
// is terminal.
func (s *Selector) OnRefreshError(err error) error {
	if s.state == Ended || s.state == Failed {
		return nil
	}

	s.refreshFailures++
	s.logger.Warn("playlist refresh failed", "consecutive", s.refreshFailures, "error", err)
	if s.refreshFailures > s.cfg.MaxRefreshFailures {
		s.state = Failed
		return fmt.Errorf("%w: %v", ErrRefreshExhausted, err)
	}
	return nil
}

// Next pops the next segment to write. ok is false when nothing is
// pending; after the end marker has drained the state moves to Ended.
func (s *Selector) Next() (segment.Segment, bool) {
	if len(s.backlog) == 0 {
		if s.ended && s.state != Failed {
			s.state = Ended
		}
		return segment.Segment{}, false
	}

	seg := s.backlog[0]
	s.backlog = s.backlog[1:]
	s.lastSeq = seg.Sequence

	if len(s.backlog) == 0 && s.state == Catchup {
		s.state = Streaming
	}
	return seg, true
}

// Pending reports how many segments are queued for emission.
func (s *Selector) Pending() int { return len(s.backlog) }

// MarkEnded forces the terminal Ended state. The worker uses it when the
// playlist itself goes away (channel offline).
func (s *Selector) MarkEnded() {
	s.backlog = s.backlog[:0]
	s.state = Ended
	s.ended = true
}

func highestSeq(segments []segment.Segment) uint64 {
	var high uint64
	for _, seg := range segments {
		if seg.Sequence > high {
			high = seg.Sequence
		}
	}
	return high
}
