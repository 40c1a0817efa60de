// Package pump streams segment bodies to the downstream sink. It copies in
// bounded chunks so the working set stays flat regardless of segment size,
// and it never retries into a sink that already consumed part of a body.
package pump

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/brian6932/twitch-hls-client/internal/agent"
	"github.com/brian6932/twitch-hls-client/internal/segment"
)

// ErrDownstreamClosed is returned when the sink reports a broken pipe: the
// player exited. It is terminal and successful.
var ErrDownstreamClosed = errors.New("downstream writer closed")

// chunkSize bounds each read/write; tens of KiB keeps memory flat without
// syscall churn.
const chunkSize = 32 * 1024

// Pump fetches segment bodies and writes them to the sink in order. The
// sink is owned by the caller; the pump never closes it.
type Pump struct {
	agent  *agent.Agent
	sink   io.Writer
	buf    []byte
	logger hclog.Logger
}

// New creates a pump writing to sink. The logger may be nil.
func New(a *agent.Agent, sink io.Writer, logger hclog.Logger) *Pump {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pump{
		agent:  a,
		sink:   sink,
		buf:    make([]byte, chunkSize),
		logger: logger,
	}
}

// WriteSegment streams one segment body to the sink and returns the bytes
// written.
//
// A short body on a prefetch segment is completion, not an error: the
// origin truncates prefetch segments when it finalizes them. A mid-body
// network error on any segment abandons it — the caller advances past it
// rather than desynchronize the player with a partial re-fetch.
func (p *Pump) WriteSegment(seg segment.Segment) (int64, error) {
	start := time.Now()

	written, err := p.copyURL(seg.URL)
	if err != nil {
		if errors.Is(err, ErrDownstreamClosed) {
			return written, err
		}
		if seg.Kind == segment.Prefetch && written > 0 {
			p.logger.Debug("prefetch segment truncated by origin", "seq", seg.Sequence, "bytes", written)
			return written, nil
		}
		return written, err
	}

	p.logger.Debug("finished writing segment",
		"seq", seg.Sequence,
		"kind", seg.Kind,
		"bytes", written,
		"elapsed", time.Since(start),
	)
	return written, nil
}

// WriteInit streams the #EXT-X-MAP initialization section. It is written
// once, ahead of the first segment, on streams that carry one.
func (p *Pump) WriteInit(url string) (int64, error) {
	p.logger.Debug("writing initialization section", "url", url)
	return p.copyURL(url)
}

func (p *Pump) copyURL(url string) (int64, error) {
	body, err := p.agent.Open(url, nil)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var written int64
	for {
		n, rerr := body.Read(p.buf)
		if n > 0 {
			if _, werr := p.sink.Write(p.buf[:n]); werr != nil {
				if closedPipe(werr) {
					return written, ErrDownstreamClosed
				}
				return written, werr
			}
			written += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

func closedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
