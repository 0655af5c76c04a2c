package router

import (
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/eventgate/backend/internal/hook"
	"github.com/eventgate/backend/internal/source"
)

type Mode int

const (
	ModePush Mode = iota
	ModePull
)

func (m Mode) String() string {
	if m == ModePull {
		return "pull"
	}
	return "push"
}

// State is the per-subscription protocol state. Pending covers creation,
// Active is the steady state, Closing is set when a detach begins, Closed is
// terminal.
type State int32

const (
	StatePending State = iota
	StateActive
	StateClosing
	StateClosed
)

// Delivery is one event as it will reach a subscriber: the source identity
// plus the payload after any transform decision.
type Delivery struct {
	SourceID string
	Kind     string
	Seq      int64
	Payload  json.RawMessage
}

// Outbox is the transport-facing side of a subscription. SendResult reports
// false when the transport cannot accept the delivery (backlogged or gone);
// the caller decides what that means per mode. Implementations are called
// from the subscription's worker goroutine only.
type Outbox interface {
	SendResult(d Delivery) bool
	SendLag(sourceID string, count uint64)
	SendClosed(sourceID, message string)
}

// Subscription binds one connection to one source. All flow-control state
// (credit, buffer, counters) is owned by the worker goroutine; the router
// communicates with it exclusively through the mailbox, which is what
// serializes hook invocations and deliveries within the subscription while
// unrelated subscriptions proceed independently.
type Subscription struct {
	connID       string
	sourceID     string
	kind         string
	mode         Mode
	bufferCap    int    // 0 = unbounded
	lagThreshold uint64 // 0 = lag notices disabled
	outbox       Outbox
	authCtx      []byte
	transport    string
	remote       string

	mb       *mailbox
	detached atomic.Bool
	state    atomic.Int32

	// Worker-owned; never touched outside the run goroutine.
	credit      uint64
	buffer      []Delivery
	produced    uint64
	consumed    uint64
	lagSignaled bool
}

func (s *Subscription) ConnID() string   { return s.connID }
func (s *Subscription) SourceID() string { return s.sourceID }
func (s *Subscription) Mode() Mode       { return s.mode }
func (s *Subscription) State() State     { return State(s.state.Load()) }

// close queues the terminal command. A non-empty reason is a
// server-initiated closure: events already in the mailbox still drain in
// order, then a SUBSCRIPTION_CLOSED notice is emitted. An empty reason is a
// client unsubscribe or a dead transport: the subscription detaches
// immediately and queued or in-flight work is discarded, not acted upon.
// Safe to call from any goroutine; later calls are no-ops because the worker
// exits on the first close it sees.
func (s *Subscription) close(reason string) {
	if reason == "" {
		s.detached.Store(true)
	}
	s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
	s.mb.put(command{kind: cmdClose, reason: reason})
}

func (s *Subscription) run(r *Router) {
	for {
		for _, c := range s.mb.take() {
			switch c.kind {
			case cmdEvent:
				s.handleEvent(r, c.event)
			case cmdRequest:
				s.handleRequest(c.n)
			case cmdClose:
				if c.reason != "" {
					s.outbox.SendClosed(s.sourceID, c.reason)
				}
				s.state.Store(int32(StateClosed))
				return
			}
		}
	}
}

func (s *Subscription) handleEvent(r *Router, ev source.Event) {
	if s.detached.Load() {
		return
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Printf("router: marshaling %s event: %v", ev.SourceID, err)
		return
	}

	decision := r.intercept(s, hook.EventView{
		SourceID: ev.SourceID,
		Kind:     s.kind,
		Seq:      ev.Seq,
		Payload:  payload,
	})

	// The hook may have been in flight while this subscription detached;
	// its decision is discarded, not acted upon.
	if s.detached.Load() {
		return
	}

	switch decision.Action {
	case hook.ActionDiscard:
		return
	case hook.ActionTransform:
		payload = decision.Payload
	}

	d := Delivery{SourceID: ev.SourceID, Kind: s.kind, Seq: ev.Seq, Payload: payload}

	if s.mode == ModePush {
		// Best effort: a backlogged transport drops the event. Push mode
		// carries no lag accounting.
		s.outbox.SendResult(d)
		return
	}

	s.produced++
	if s.credit > 0 {
		s.credit--
		s.consumed++
		s.outbox.SendResult(d)
	} else {
		if s.bufferCap > 0 && len(s.buffer) >= s.bufferCap {
			// Full: evict the oldest buffered event, never the newest.
			s.buffer = append(s.buffer[:0], s.buffer[1:]...)
		}
		s.buffer = append(s.buffer, d)
	}
	s.checkLag()
}

// handleRequest adds credit and drains buffered events oldest first, so a
// drained backlog precedes any newly produced event.
func (s *Subscription) handleRequest(n uint64) {
	s.credit += n
	for s.credit > 0 && len(s.buffer) > 0 {
		d := s.buffer[0]
		s.buffer = append(s.buffer[:0], s.buffer[1:]...)
		s.credit--
		s.consumed++
		s.outbox.SendResult(d)
	}
	s.checkLag()
}

// checkLag emits an edge-triggered lag notice: it fires once when
// produced − consumed crosses above the threshold and rearms when the
// subscriber catches back up to the threshold.
func (s *Subscription) checkLag() {
	if s.lagThreshold == 0 {
		return
	}
	lag := s.produced - s.consumed
	if lag > s.lagThreshold {
		if !s.lagSignaled {
			s.lagSignaled = true
			s.outbox.SendLag(s.sourceID, lag)
		}
		return
	}
	s.lagSignaled = false
}
