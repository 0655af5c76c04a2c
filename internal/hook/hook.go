// Package hook is the pluggable decision pipeline. A hook is invoked at two
// points: once per handshake (authenticate) and once per (event, subscription)
// pair (intercept). Decisions are closed tagged variants; the backing
// implementation is either a sandboxed WASM module or a pass-through default.
package hook

import (
	"context"
	"encoding/json"
)

// AuthRequest is the handshake metadata presented to the authenticate hook.
// It is derived from the upgrade request and independent of any specific
// transport implementation.
type AuthRequest struct {
	Method    string   `json:"method"`
	Path      string   `json:"path"`
	Scheme    string   `json:"scheme"`
	Authority string   `json:"authority"`
	Headers   []Header `json:"headers"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AuthDecision is the authenticate result. When Accept is true, Context
// becomes the session's opaque auth context, exposed to later intercept
// invocations. Reject aborts session creation.
type AuthDecision struct {
	Accept  bool
	Context []byte
}

// Action is the intercept decision tag.
type Action int

const (
	ActionForward Action = iota
	ActionDiscard
	ActionTransform
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionDiscard:
		return "discard"
	case ActionTransform:
		return "transform"
	}
	return "unknown"
}

// InterceptDecision is the per-event result. Payload is only meaningful for
// ActionTransform, where it replaces the event payload delivered to the
// subscriber. A transformed event still counts as one delivery for
// backpressure accounting.
type InterceptDecision struct {
	Action  Action
	Payload json.RawMessage
}

// EventView is the source-kind-specific view of an event handed to the
// intercept hook.
type EventView struct {
	SourceID string          `json:"sourceId"`
	Kind     string          `json:"kind"`
	Seq      int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
}

// InterceptContext is the full input to an intercept invocation: the
// connection's auth context (absent when no authenticate hook ran or it
// returned none), connection transport metadata, and the event view.
type InterceptContext struct {
	AuthContext []byte    `json:"authContext,omitempty"`
	Transport   string    `json:"transport"`
	Remote      string    `json:"remote"`
	Event       EventView `json:"event"`
}

// Invoker is the hook capability. Invocations are pure functions of their
// input: the host guarantees no meaningful mutable state survives across
// invocations from different connections, even when a module instance is
// reused. Errors (sandbox trap, exceeded deadline) are mapped by callers
// to Reject (authenticate) or Discard (intercept); they are never fatal to a
// session.
type Invoker interface {
	Authenticate(ctx context.Context, req AuthRequest) (AuthDecision, error)
	Intercept(ctx context.Context, ic InterceptContext) (InterceptDecision, error)
}

// Passthrough is the Invoker used when no hook module is configured: every
// handshake is accepted with no auth context and every event is forwarded.
type Passthrough struct{}

func (Passthrough) Authenticate(context.Context, AuthRequest) (AuthDecision, error) {
	return AuthDecision{Accept: true}, nil
}

func (Passthrough) Intercept(context.Context, InterceptContext) (InterceptDecision, error) {
	return InterceptDecision{Action: ActionForward}, nil
}
