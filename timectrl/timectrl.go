package timectrl

import (
	"context"
	"fmt"
	"sync"
)

// SimClock gives read access to simulation time in integer milliseconds.
type SimClock interface {
	Now() int64
}

// Idle is returned by a NextEvent hook when nothing is pending.
const Idle int64 = -1

// ctxCheckEvery is how many ticks pass between context checks.
const ctxCheckEvery = 1024

// StepClock drives discrete simulation time over [0, Horizon) in steps of
// Tick and notifies registered listeners synchronously on every tick, in
// registration order.
//
// When a NextEvent hook is set the clock jumps straight to the next tick at
// or after the earliest pending event instead of visiting idle ticks. The
// sequence of non-idle ticks seen by listeners is unchanged.
type StepClock struct {
	mu      sync.RWMutex
	Horizon int64
	Tick    int64

	currentTime int64

	listeners []func(int64) error
	nextEvent func() int64
}

// NewStepClock constructs a clock. tick <= 0 defaults to 1.
func NewStepClock(horizon, tick int64) *StepClock {
	if tick <= 0 {
		tick = 1
	}
	return &StepClock{Horizon: horizon, Tick: tick}
}

// Now returns the current simulation time. Implements SimClock.
func (c *StepClock) Now() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTime
}

// SetTime moves the clock without notifying listeners.
func (c *StepClock) SetTime(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = t
}

// AddListener registers a callback invoked on every tick. A listener error
// stops the run.
func (c *StepClock) AddListener(fn func(int64) error) {
	c.listeners = append(c.listeners, fn)
}

// SetNextEvent installs the jump-ahead hook. fn returns the earliest pending
// event time, or Idle.
func (c *StepClock) SetNextEvent(fn func() int64) {
	c.nextEvent = fn
}

// Run advances the clock from 0 to Horizon on the calling goroutine.
func (c *StepClock) Run(ctx context.Context) error {
	ticks := 0
	for t := int64(0); t < c.Horizon; {
		if ticks%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("clock stopped at %d: %w", t, err)
			}
		}
		ticks++

		c.SetTime(t)
		for _, fn := range c.listeners {
			if err := fn(t); err != nil {
				return err
			}
		}
		t = c.advance(t)
	}
	c.SetTime(c.Horizon)
	return nil
}

func (c *StepClock) advance(t int64) int64 {
	next := t + c.Tick
	if c.nextEvent == nil {
		return next
	}
	ev := c.nextEvent()
	if ev == Idle {
		return c.Horizon
	}
	if ev > next {
		// round up onto the tick grid
		next = ((ev + c.Tick - 1) / c.Tick) * c.Tick
	}
	return next
}
