package capture

import "time"

// FrameClock is the tick source driving the render loop. Abstracting it
// decouples composition timing from any platform animation-frame callback.
type FrameClock interface {
	Ticks() <-chan time.Time
	Stop()
}

// TickerClock drives the render loop off a wall-clock ticker at the
// configured frame rate.
type TickerClock struct {
	ticker *time.Ticker
}

// NewTickerClock creates a clock ticking fps times per second.
func NewTickerClock(fps int) FrameClock {
	if fps <= 0 {
		fps = 30
	}
	return &TickerClock{ticker: time.NewTicker(time.Second / time.Duration(fps))}
}

// Ticks returns the tick channel.
func (c *TickerClock) Ticks() <-chan time.Time { return c.ticker.C }

// Stop stops the ticker.
func (c *TickerClock) Stop() { c.ticker.Stop() }

// ManualClock is a hand-driven clock for tests.
type ManualClock struct {
	ch chan time.Time
}

// NewManualClock creates a manual clock.
func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan time.Time, 64)}
}

// Ticks returns the tick channel.
func (c *ManualClock) Ticks() <-chan time.Time { return c.ch }

// Tick delivers one tick at the given instant.
func (c *ManualClock) Tick(at time.Time) { c.ch <- at }

// Stop is a no-op.
func (c *ManualClock) Stop() {}
