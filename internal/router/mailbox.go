package router

import (
	"sync"

	"github.com/eventgate/backend/internal/source"
)

type cmdKind int

const (
	cmdEvent cmdKind = iota
	cmdRequest
	cmdClose
)

type command struct {
	kind   cmdKind
	event  source.Event
	n      uint64
	reason string // close notice message; empty means close silently
}

// mailbox is an unbounded FIFO command queue. It never blocks the producer:
// the source dispatch path appends and returns, and the subscription worker
// drains batches. Unbounded absorption is what keeps one slow subscriber
// from backpressuring the source or its siblings; the pull buffer capacity
// bounds what actually accumulates for well-behaved configurations.
type mailbox struct {
	mu     sync.Mutex
	items  []command
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(c command) {
	m.mu.Lock()
	m.items = append(m.items, c)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// take blocks until at least one command is queued, then returns the whole
// batch in arrival order.
func (m *mailbox) take() []command {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			batch := m.items
			m.items = nil
			m.mu.Unlock()
			return batch
		}
		m.mu.Unlock()
		<-m.signal
	}
}
