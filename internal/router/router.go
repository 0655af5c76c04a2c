// Package router is the orchestration core: it fans events from any number
// of sources out to every interested subscription, invoking the intercept
// hook per (event, subscription) pair and applying that subscription's
// backpressure policy. Each subscription runs its own worker, so a slow or
// failing subscriber never delays, drops, or reorders events for any other
// subscriber and never applies backpressure to the source.
package router

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/eventgate/backend/internal/hook"
	"github.com/eventgate/backend/internal/source"
)

var (
	ErrDuplicate     = errors.New("already subscribed")
	ErrNotSubscribed = errors.New("no such subscription")
	ErrNotPull       = errors.New("subscription is not in pull mode")
)

type Router struct {
	invoker hook.Invoker

	// mu guards the registration maps only; it is never held across a hook
	// invocation or a delivery.
	mu       sync.RWMutex
	bySource map[string]map[string]*Subscription // sourceID → connID → sub
	byConn   map[string]map[string]*Subscription // connID → sourceID → sub
}

func New(invoker hook.Invoker) *Router {
	return &Router{
		invoker:  invoker,
		bySource: make(map[string]map[string]*Subscription),
		byConn:   make(map[string]map[string]*Subscription),
	}
}

// SubscribeSpec carries everything needed to bind one connection to one
// source. BufferCapacity and LagNoticeThreshold are already resolved against
// config defaults by the protocol layer.
type SubscribeSpec struct {
	ConnID             string
	SourceID           string
	SourceKind         string
	Mode               Mode
	BufferCapacity     int
	LagNoticeThreshold uint64
	Outbox             Outbox
	AuthContext        []byte
	Transport          string
	Remote             string
}

// Subscribe registers the binding and starts its worker. The
// (ConnID, SourceID) key is unique; a second subscribe fails with
// ErrDuplicate.
func (r *Router) Subscribe(spec SubscribeSpec) (*Subscription, error) {
	s := &Subscription{
		connID:       spec.ConnID,
		sourceID:     spec.SourceID,
		kind:         spec.SourceKind,
		mode:         spec.Mode,
		bufferCap:    spec.BufferCapacity,
		lagThreshold: spec.LagNoticeThreshold,
		outbox:       spec.Outbox,
		authCtx:      spec.AuthContext,
		transport:    spec.Transport,
		remote:       spec.Remote,
		mb:           newMailbox(),
	}

	r.mu.Lock()
	if _, ok := r.byConn[spec.ConnID][spec.SourceID]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicate
	}
	if r.bySource[spec.SourceID] == nil {
		r.bySource[spec.SourceID] = make(map[string]*Subscription)
	}
	if r.byConn[spec.ConnID] == nil {
		r.byConn[spec.ConnID] = make(map[string]*Subscription)
	}
	r.bySource[spec.SourceID][spec.ConnID] = s
	r.byConn[spec.ConnID][spec.SourceID] = s
	r.mu.Unlock()

	s.state.Store(int32(StateActive))
	go s.run(r)
	return s, nil
}

// Unsubscribe detaches a client-initiated close: the subscription leaves the
// interest set immediately and closes without a notice.
func (r *Router) Unsubscribe(connID, sourceID string) error {
	r.mu.Lock()
	s, ok := r.byConn[connID][sourceID]
	if !ok {
		r.mu.Unlock()
		return ErrNotSubscribed
	}
	r.removeLocked(s)
	r.mu.Unlock()

	s.close("")
	return nil
}

func (r *Router) removeLocked(s *Subscription) {
	delete(r.byConn[s.connID], s.sourceID)
	if len(r.byConn[s.connID]) == 0 {
		delete(r.byConn, s.connID)
	}
	delete(r.bySource[s.sourceID], s.connID)
	if len(r.bySource[s.sourceID]) == 0 {
		delete(r.bySource, s.sourceID)
	}
}

// Request adds n credits to an active pull subscription.
func (r *Router) Request(connID, sourceID string, n uint64) error {
	r.mu.RLock()
	s, ok := r.byConn[connID][sourceID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotSubscribed
	}
	if s.mode != ModePull {
		return ErrNotPull
	}
	s.mb.put(command{kind: cmdRequest, n: n})
	return nil
}

// DropConnection cascades teardown of every subscription a connection owns,
// without individual notices: the transport is already gone.
func (r *Router) DropConnection(connID string) {
	r.mu.Lock()
	subs := r.byConn[connID]
	delete(r.byConn, connID)
	for _, s := range subs {
		delete(r.bySource[s.sourceID], connID)
		if len(r.bySource[s.sourceID]) == 0 {
			delete(r.bySource, s.sourceID)
		}
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.close("")
	}
}

// CloseSource force-closes every subscription bound to a source, emitting a
// SUBSCRIPTION_CLOSED notice naming the reason (exhaustion, removal,
// failure). Called by the registry; distinct from client unsubscribes.
func (r *Router) CloseSource(sourceID, reason string) {
	r.mu.Lock()
	subs := r.bySource[sourceID]
	delete(r.bySource, sourceID)
	for connID, s := range subs {
		delete(r.byConn[connID], s.sourceID)
		if len(r.byConn[connID]) == 0 {
			delete(r.byConn, connID)
		}
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.close(reason)
	}
}

// Dispatch fans one event out to every subscription interested in its
// source. It only appends to mailboxes and never blocks, so ingestion is
// isolated from subscriber pace.
func (r *Router) Dispatch(ev source.Event) {
	r.mu.RLock()
	var subs []*Subscription
	for _, s := range r.bySource[ev.SourceID] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	for _, s := range subs {
		s.mb.put(command{kind: cmdEvent, event: ev})
	}
}

// intercept runs the hook for one (event, subscription) pair. A sandbox
// trap, timeout, or malformed decision maps to Discard with a logged
// diagnostic; it is contained to this subscription.
func (r *Router) intercept(s *Subscription, view hook.EventView) hook.InterceptDecision {
	decision, err := r.invoker.Intercept(context.Background(), hook.InterceptContext{
		AuthContext: s.authCtx,
		Transport:   s.transport,
		Remote:      s.remote,
		Event:       view,
	})
	if err != nil {
		log.Printf("intercept hook failed for %s/%s, discarding event: %v", s.connID, s.sourceID, err)
		return hook.InterceptDecision{Action: hook.ActionDiscard}
	}
	return decision
}
