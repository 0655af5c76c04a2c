package source

import (
	"context"
	"encoding/json"
)

// Payload is the kind-specific body of an event. The set of payload kinds is
// closed: one struct per source kind, matched exhaustively at the protocol
// boundary. The unexported method keeps outside packages from adding kinds.
type Payload interface {
	Kind() string
	payload()
}

type CounterPayload struct {
	Count int64 `json:"count"`
}

func (CounterPayload) Kind() string { return "counter" }
func (CounterPayload) payload()     {}

// FeedPayload carries one record from an externally-fed stream. Record is the
// raw JSON object exactly as it appeared on the wire; Line is its 1-based
// position in the feed.
type FeedPayload struct {
	Line   int64           `json:"line"`
	Record json.RawMessage `json:"record"`
}

func (FeedPayload) Kind() string { return "feed" }
func (FeedPayload) payload()     {}

type MetricsPayload struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	Load1          float64 `json:"load1"`
}

func (MetricsPayload) Kind() string { return "sysmetrics" }
func (MetricsPayload) payload()     {}

// Event is one unit of data emitted by a Source. Events are ephemeral: they
// are owned by the router while in flight and never persisted. Seq is the
// kind-specific position (counter value, feed line number, sample index).
type Event struct {
	SourceID string
	Seq      int64
	Payload  Payload
}

// Sink receives every event a running source emits. Dispatch must not block:
// the router absorbs events into per-subscription mailboxes so a slow
// subscriber never applies backpressure to the source.
type Sink interface {
	Dispatch(Event)
}

// Source is a named producer of a typed event sequence.
//
// Run blocks until the source is exhausted (finite sources return nil), the
// context is canceled (return ctx.Err()), or production fails permanently.
// Run may be called again after a cancel: lazy sources are stopped when their
// last subscriber leaves and restarted from scratch for the next one.
//
// Implementations do not need to be safe for concurrent Run calls; the
// registry guarantees at most one Run per source at a time.
type Source interface {
	ID() string
	Kind() string

	// Finite reports whether the source has a terminal bound. A finite
	// source that reaches its bound emits no further events and rejects
	// new subscriptions.
	Finite() bool

	// Lazy reports whether the source defers starting production until
	// its first subscriber arrives and stops after its last one leaves.
	Lazy() bool

	Run(ctx context.Context, sink Sink) error
}
