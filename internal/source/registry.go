package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/eventgate/backend/internal/config"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrExhausted     = errors.New("source exhausted")
)

// State is the lifecycle state of a registered source. Stopping is a
// transient between Running and Idle while a canceled Run unwinds; callers
// other than the handle itself only ever observe Idle, Running, or Exhausted
// decisions (Acquire treats Stopping like Running).
type State int

const (
	Idle State = iota
	Running
	Stopping
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// New builds a Source from its descriptor.
func New(cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case config.KindCounter:
		return NewCounter(cfg), nil
	case config.KindFeed:
		return NewFeed(cfg), nil
	case config.KindSysMetrics:
		return NewSysMetrics(cfg), nil
	}
	return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
}

// CloseNotifier is how the registry tells the routing layer to close every
// subscription bound to a source id, with a reason surfaced to clients.
type CloseNotifier interface {
	CloseSource(sourceID, reason string)
}

// Registry owns the live set of sources. The id → handle map is published as
// an immutable snapshot with a generation counter: Apply builds a new map and
// swaps it atomically, so routing paths reading the current snapshot never
// observe a half-updated set.
type Registry struct {
	sink     Sink
	notifier CloseNotifier
	ctx      context.Context
	cancel   context.CancelFunc

	mu   sync.Mutex // serializes Apply and Shutdown
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	gen  uint64
	byID map[string]*Handle
}

func NewRegistry(sink Sink, notifier CloseNotifier) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sink:     sink,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.snap.Store(&snapshot{byID: map[string]*Handle{}})
	return r
}

// Generation returns the snapshot generation, bumped once per Apply.
func (r *Registry) Generation() uint64 {
	return r.snap.Load().gen
}

// Lookup resolves a source id against the current snapshot.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	h, ok := r.snap.Load().byID[id]
	return h, ok
}

// Apply reconciles the registry against a declarative source list. Sources
// whose descriptor is unchanged keep their handle (and keep running);
// removed or changed sources are stopped and their subscriptions closed with
// a "configuration change" notice; added sources start immediately unless
// lazy.
func (r *Registry) Apply(cfgs []config.SourceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := make(map[string]*Handle, len(cfgs))
	var started []*Handle

	for _, cfg := range cfgs {
		if existing, ok := cur.byID[cfg.ID]; ok && existing.cfg.Equal(cfg) {
			next[cfg.ID] = existing
			continue
		}
		src, err := New(cfg)
		if err != nil {
			return err
		}
		h := &Handle{reg: r, src: src, cfg: cfg}
		next[cfg.ID] = h
		if !src.Lazy() {
			started = append(started, h)
		}
	}

	var removed []*Handle
	for id, h := range cur.byID {
		if next[id] != h {
			removed = append(removed, h)
		}
	}

	r.snap.Store(&snapshot{gen: cur.gen + 1, byID: next})

	for _, h := range removed {
		h.remove()
		r.notifier.CloseSource(h.src.ID(), "configuration change")
	}
	for _, h := range started {
		h.mu.Lock()
		h.startLocked()
		h.mu.Unlock()
	}
	return nil
}

// Acquire registers one subscriber's interest in a source, starting a lazy
// source on its first subscriber. It fails with ErrUnknownSource or
// ErrExhausted, matching SUBSCRIBE_ERROR semantics.
func (r *Registry) Acquire(id string) (*Handle, error) {
	h, ok := r.Lookup(id)
	if !ok {
		return nil, ErrUnknownSource
	}
	if err := h.acquire(); err != nil {
		return nil, err
	}
	return h, nil
}

// Release drops one subscriber's interest, stopping a lazy source after its
// last subscriber leaves. Releasing an id that was removed by a reload is a
// no-op.
func (r *Registry) Release(id string) {
	if h, ok := r.Lookup(id); ok {
		h.release()
	}
}

// Shutdown stops every source and invalidates the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	r.snap.Store(&snapshot{gen: r.snap.Load().gen + 1, byID: map[string]*Handle{}})
}

// Handle pairs a Source with its lifecycle state and subscriber refcount.
type Handle struct {
	reg *Registry
	src Source
	cfg config.SourceConfig

	mu      sync.Mutex
	state   State
	refs    int
	removed bool
	cancel  context.CancelFunc
}

func (h *Handle) ID() string   { return h.src.ID() }
func (h *Handle) Kind() string { return h.src.Kind() }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return ErrUnknownSource
	}
	if h.state == Exhausted {
		return ErrExhausted
	}
	h.refs++
	if h.refs == 1 && h.src.Lazy() && h.state == Idle {
		h.startLocked()
	}
	return nil
}

func (h *Handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	if h.refs == 0 && h.src.Lazy() && h.state == Running {
		h.stopLocked()
	}
}

func (h *Handle) remove() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = true
	if h.state == Running {
		h.stopLocked()
	}
}

// startLocked launches the source's Run goroutine. Caller holds h.mu.
func (h *Handle) startLocked() {
	ctx, cancel := context.WithCancel(h.reg.ctx)
	h.cancel = cancel
	h.state = Running
	go h.run(ctx)
}

// stopLocked requests Run cancellation. The run goroutine moves the state to
// Idle (or restarts if a subscriber arrived mid-stop) when it unwinds.
func (h *Handle) stopLocked() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.state = Stopping
}

func (h *Handle) run(ctx context.Context) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("source panic: %v", r)
			}
		}()
		return h.src.Run(ctx, h.reg.sink)
	}()

	h.mu.Lock()
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		if !h.removed && h.refs > 0 && h.reg.ctx.Err() == nil {
			// A subscriber arrived while the stop was unwinding;
			// restart so the lazy contract holds.
			h.startLocked()
			h.mu.Unlock()
			return
		}
		h.state = Idle
		h.mu.Unlock()
	case err == nil:
		h.state = Exhausted
		notify := !h.removed
		h.mu.Unlock()
		if notify {
			h.reg.notifier.CloseSource(h.src.ID(), "source exhausted")
		}
	default:
		h.state = Exhausted
		notify := !h.removed
		h.mu.Unlock()
		log.Printf("source %s failed: %v", h.src.ID(), err)
		if notify {
			h.reg.notifier.CloseSource(h.src.ID(), fmt.Sprintf("source failed: %v", err))
		}
	}
}
