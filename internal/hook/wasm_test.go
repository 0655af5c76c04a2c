package hook

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// fakeCaller scripts responses per function name and records the inputs it
// was called with.
type fakeCaller struct {
	responses   map[string][]byte
	err         error
	lastFn      string
	lastInput   []byte
	sawDeadline bool
}

func (f *fakeCaller) Call(ctx context.Context, fn string, input []byte) ([]byte, error) {
	f.lastFn = fn
	f.lastInput = input
	_, f.sawDeadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	return f.responses[fn], nil
}

func (f *fakeCaller) Close(context.Context) error { return nil }

func TestWasmInvokerAuthenticate(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		"authenticate": []byte(`{"decision":"authenticate","context":"dXNlcjE="}`),
	}}
	inv := NewWasmInvoker(caller, 100*time.Millisecond)

	decision, err := inv.Authenticate(context.Background(), AuthRequest{
		Method: "GET", Path: "/ws?token=x", Scheme: "http", Authority: "localhost",
		Headers: []Header{{Name: "Origin", Value: "http://localhost"}},
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !decision.Accept || string(decision.Context) != "user1" {
		t.Errorf("decision = %+v", decision)
	}

	if caller.lastFn != "authenticate" {
		t.Errorf("called %q, want authenticate", caller.lastFn)
	}
	if !caller.sawDeadline {
		t.Error("call deadline was not applied to the sandbox call")
	}

	var req AuthRequest
	if err := json.Unmarshal(caller.lastInput, &req); err != nil {
		t.Fatalf("input was not the AuthRequest schema: %v", err)
	}
	if req.Path != "/ws?token=x" {
		t.Errorf("serialized path = %q", req.Path)
	}
}

func TestWasmInvokerIntercept(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		"intercept": []byte(`{"decision":"transform","payload":{"redacted":true}}`),
	}}
	inv := NewWasmInvoker(caller, 0)

	decision, err := inv.Intercept(context.Background(), InterceptContext{
		AuthContext: []byte("user1"),
		Transport:   "websocket",
		Event: EventView{
			SourceID: "counter1", Kind: "counter", Seq: 3,
			Payload: json.RawMessage(`{"count":3}`),
		},
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if decision.Action != ActionTransform {
		t.Errorf("action = %v, want transform", decision.Action)
	}
	if string(decision.Payload) != `{"redacted":true}` {
		t.Errorf("payload = %s", decision.Payload)
	}

	var ic InterceptContext
	if err := json.Unmarshal(caller.lastInput, &ic); err != nil {
		t.Fatalf("input was not the InterceptContext schema: %v", err)
	}
	if string(ic.AuthContext) != "user1" || ic.Event.SourceID != "counter1" {
		t.Errorf("serialized context = %+v", ic)
	}
}

func TestWasmInvokerSandboxFault(t *testing.T) {
	trap := errors.New("wasm trap: unreachable")
	inv := NewWasmInvoker(&fakeCaller{err: trap}, time.Second)

	if _, err := inv.Authenticate(context.Background(), AuthRequest{}); !errors.Is(err, trap) {
		t.Errorf("Authenticate error = %v, want the sandbox fault", err)
	}
	if _, err := inv.Intercept(context.Background(), InterceptContext{}); !errors.Is(err, trap) {
		t.Errorf("Intercept error = %v, want the sandbox fault", err)
	}
}

func TestWasmInvokerMalformedDecision(t *testing.T) {
	inv := NewWasmInvoker(&fakeCaller{responses: map[string][]byte{
		"intercept": []byte(`{{{`),
	}}, 0)

	if _, err := inv.Intercept(context.Background(), InterceptContext{}); err == nil {
		t.Error("malformed decision decoded without error")
	}
}

// The fakes below stand in for wazero instances so Host's call policy is
// testable without a compiled module. Embedding the interface satisfies the
// full method set; only the methods Host touches are overridden.

type fakeModule struct {
	api.Module
	mem    *fakeMemory
	funcs  map[string]api.Function
	closed atomic.Bool
}

func (m *fakeModule) Memory() api.Memory                        { return m.mem }
func (m *fakeModule) ExportedFunction(name string) api.Function { return m.funcs[name] }
func (m *fakeModule) Close(context.Context) error               { m.closed.Store(true); return nil }
func (m *fakeModule) IsClosed() bool                            { return m.closed.Load() }

type fakeMemory struct {
	api.Memory
	buf []byte
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	if int(offset)+len(v) > len(m.buf) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *fakeMemory) Read(offset, count uint32) ([]byte, bool) {
	if int(offset)+int(count) > len(m.buf) {
		return nil, false
	}
	return m.buf[offset : offset+count], true
}

type fakeFunc struct {
	api.Function
	fn func(ctx context.Context, params ...uint64) ([]uint64, error)
}

func (f *fakeFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.fn(ctx, params...)
}

// newGuest builds a module instance whose intercept export runs body (when
// set) and then responds with the given bytes.
func newGuest(response []byte, body func()) *fakeModule {
	const inputPtr, outputPtr = 1024, 4096
	mem := &fakeMemory{buf: make([]byte, 1<<16)}
	m := &fakeModule{mem: mem}
	m.funcs = map[string]api.Function{
		"alloc": &fakeFunc{fn: func(context.Context, ...uint64) ([]uint64, error) {
			return []uint64{inputPtr}, nil
		}},
		"intercept": &fakeFunc{fn: func(context.Context, ...uint64) ([]uint64, error) {
			if body != nil {
				body()
			}
			copy(mem.buf[outputPtr:], response)
			return []uint64{outputPtr<<32 | uint64(len(response))}, nil
		}},
	}
	return m
}

// A stalled call must not delay a concurrent call from another subscription:
// each call gets its own instance, so there is no shared lock to queue on.
func TestHostCallsDoNotSerialize(t *testing.T) {
	stalled := make(chan struct{})
	release := make(chan struct{})
	slow := newGuest([]byte(`{"decision":"forward"}`), func() {
		close(stalled)
		<-release
	})
	defer close(release)
	fast := newGuest([]byte(`{"decision":"forward"}`), nil)

	var calls atomic.Int32
	h := &Host{newInstance: func(context.Context) (api.Module, error) {
		if calls.Add(1) == 1 {
			return slow, nil
		}
		return fast, nil
	}}

	go h.Call(context.Background(), "intercept", []byte(`{}`))
	<-stalled

	done := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), "intercept", []byte(`{}`))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second call: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call queued behind an unrelated in-flight invocation")
	}
}

// Consecutive calls each get a fresh instance, closed afterwards, so guest
// state from one invocation is unreachable from the next.
func TestHostFreshInstancePerCall(t *testing.T) {
	var handed []*fakeModule
	h := &Host{newInstance: func(context.Context) (api.Module, error) {
		m := newGuest([]byte(`{"decision":"forward"}`), nil)
		handed = append(handed, m)
		return m, nil
	}}

	for i := 0; i < 2; i++ {
		if _, err := h.Call(context.Background(), "intercept", []byte(`{}`)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if len(handed) != 2 {
		t.Fatalf("instances built = %d, want one per call", len(handed))
	}
	for i, m := range handed {
		if !m.IsClosed() {
			t.Errorf("instance %d still open after its call returned", i)
		}
	}
}

func TestHostCopiesResponseOutOfGuestMemory(t *testing.T) {
	guest := newGuest([]byte(`{"decision":"forward"}`), nil)
	h := &Host{newInstance: func(context.Context) (api.Module, error) {
		return guest, nil
	}}

	out, err := h.Call(context.Background(), "intercept", []byte(`{}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	for i := range guest.mem.buf {
		guest.mem.buf[i] = 0
	}
	if string(out) != `{"decision":"forward"}` {
		t.Errorf("response aliases guest memory: %s", out)
	}
}
