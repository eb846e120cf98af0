package interceptor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gamerelay/packet"
)

// Controls holds the per-direction pause flags. A paused direction stops
// reading from its socket at the next frame boundary; bytes queue in the
// kernel until it resumes.
type Controls struct {
	paused [2]atomic.Bool

	mu      sync.Mutex
	changed chan struct{}
}

func NewControls() *Controls {
	return &Controls{changed: make(chan struct{})}
}

// flag returns the pause flag for dir, or nil for an unknown direction.
func (c *Controls) flag(dir packet.Direction) *atomic.Bool {
	if dir < 0 || int(dir) >= len(c.paused) {
		return nil
	}
	return &c.paused[dir]
}

// SetPaused reports false and changes nothing for an unknown direction.
func (c *Controls) SetPaused(dir packet.Direction, paused bool) bool {
	f := c.flag(dir)
	if f == nil {
		return false
	}
	f.Store(paused)

	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return true
}

func (c *Controls) Paused(dir packet.Direction) bool {
	f := c.flag(dir)
	return f != nil && f.Load()
}

func (c *Controls) wake() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Wait parks while dir is paused, rechecking every interval or as soon as a
// flag changes.
func (c *Controls) Wait(ctx context.Context, dir packet.Direction, interval time.Duration) error {
	for c.Paused(dir) {
		wake := c.wake()
		if !c.Paused(dir) {
			return nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
	return nil
}
