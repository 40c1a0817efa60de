package agent

import (
	"context"
	"io"
	"time"
)

// idleTimeoutBody wraps a response body so that a stall longer than the
// configured timeout cancels the underlying request. The timer re-arms on
// every completed Read, so a slowly-draining sink does not trip it as long
// as bytes keep flowing.
type idleTimeoutBody struct {
	body    io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{
		body:    body,
		timeout: timeout,
		cancel:  cancel,
	}
	b.timer = time.AfterFunc(timeout, cancel)
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.timer.Reset(b.timeout)
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.cancel()
	return err
}
