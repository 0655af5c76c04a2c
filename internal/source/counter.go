package source

import (
	"context"
	"time"

	"github.com/eventgate/backend/internal/config"
)

// Counter is a synthetic generator: it emits min, min+1, ... at a fixed
// interval. With a max configured it is finite and exhausts after emitting
// max (inclusive).
type Counter struct {
	id       string
	min      int64
	max      *int64
	interval time.Duration
	lazy     bool
}

func NewCounter(cfg config.SourceConfig) *Counter {
	return &Counter{
		id:       cfg.ID,
		min:      cfg.Min,
		max:      cfg.Max,
		interval: cfg.Interval,
		lazy:     cfg.IsLazy(),
	}
}

func (c *Counter) ID() string   { return c.id }
func (c *Counter) Kind() string { return config.KindCounter }
func (c *Counter) Finite() bool { return c.max != nil }
func (c *Counter) Lazy() bool   { return c.lazy }

func (c *Counter) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for next := c.min; ; next++ {
		sink.Dispatch(Event{
			SourceID: c.id,
			Seq:      next,
			Payload:  CounterPayload{Count: next},
		})
		if c.max != nil && next >= *c.max {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
