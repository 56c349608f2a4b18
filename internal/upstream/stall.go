package upstream

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"davstream/internal/domain"
)

const readStallTimeout = 30 * time.Second

// stallGuard cancels the request when a single body read makes no
// progress for the stall timeout. Idle time between reads does not
// count; a slow client draining the body is not an upstream stall.
type stallGuard struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
	stalled atomic.Bool
}

func newStallGuard(rc io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) *stallGuard {
	g := &stallGuard{rc: rc, timeout: timeout, cancel: cancel}
	g.timer = time.AfterFunc(timeout, func() {
		g.stalled.Store(true)
		cancel()
	})
	g.timer.Stop()
	return g
}

func (g *stallGuard) Read(p []byte) (int, error) {
	g.timer.Reset(g.timeout)
	n, err := g.rc.Read(p)
	g.timer.Stop()
	if err != nil && g.stalled.Load() {
		err = domain.ErrUpstreamTimeout
	}
	return n, err
}

func (g *stallGuard) Close() error {
	g.timer.Stop()
	g.cancel()
	return g.rc.Close()
}
