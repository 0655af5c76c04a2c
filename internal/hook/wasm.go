package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Caller is the sandbox execution boundary: one byte-in/byte-out call per
// hook type. The gateway serializes a typed context to bytes and decodes a
// typed decision from the response; everything inside the boundary is the
// host's concern.
type Caller interface {
	Call(ctx context.Context, fn string, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// WasmInvoker adapts a Caller to the Invoker capability, applying the
// configured timeout per invocation. It does not interpret Caller
// errors; the router and server map them to Discard/Reject.
type WasmInvoker struct {
	caller  Caller
	timeout time.Duration
}

func NewWasmInvoker(caller Caller, timeout time.Duration) *WasmInvoker {
	return &WasmInvoker{caller: caller, timeout: timeout}
}

func (w *WasmInvoker) Authenticate(ctx context.Context, req AuthRequest) (AuthDecision, error) {
	out, err := w.call(ctx, "authenticate", req)
	if err != nil {
		return AuthDecision{}, err
	}
	return decodeAuthDecision(out)
}

func (w *WasmInvoker) Intercept(ctx context.Context, ic InterceptContext) (InterceptDecision, error) {
	out, err := w.call(ctx, "intercept", ic)
	if err != nil {
		return InterceptDecision{}, err
	}
	return decodeInterceptDecision(out)
}

func (w *WasmInvoker) call(ctx context.Context, fn string, input any) ([]byte, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding %s context: %w", fn, err)
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	return w.caller.Call(ctx, fn, data)
}

func (w *WasmInvoker) Close(ctx context.Context) error {
	return w.caller.Close(ctx)
}

// Host runs a hook module under wazero. The module must export
//
//	alloc(size: u32) -> u32
//	authenticate(ptr: u32, len: u32) -> u64
//	intercept(ptr: u32, len: u32) -> u64
//
// where the u64 result packs the response location as ptr<<32 | len.
//
// Every call runs in its own instance built from the compiled module, closed
// when the call returns. WASM instances are single threaded, so sharing one
// would queue all subscriptions behind whichever call is in flight; a fresh
// instance per call keeps invocations concurrent, and no guest state survives
// from one invocation to the next. The runtime is configured with
// WithCloseOnContextDone, so an expired call deadline closes only that call's
// instance.
type Host struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	newInstance func(context.Context) (api.Module, error)
}

func NewHost(ctx context.Context, modulePath string) (*Host, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("reading hook module: %w", err)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("compiling hook module: %w", err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range []string{"alloc", "authenticate", "intercept"} {
		if _, ok := exports[name]; !ok {
			runtime.Close(ctx)
			return nil, fmt.Errorf("hook module missing export %q", name)
		}
	}

	h := &Host{runtime: runtime, compiled: compiled}
	h.newInstance = func(ctx context.Context) (api.Module, error) {
		// Anonymous name: wazero requires instance names to be unique, and
		// "" opts out of the registry so instances can coexist.
		mod, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
			WithName("").
			WithStartFunctions("_initialize"))
		if err != nil {
			return nil, fmt.Errorf("instantiating hook module: %w", err)
		}
		return mod, nil
	}

	// Instantiate once now so a broken _initialize fails at startup rather
	// than on the first hook call.
	mod, err := h.newInstance(ctx)
	if err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	mod.Close(ctx)

	return h, nil
}

func (h *Host) Call(ctx context.Context, fn string, input []byte) ([]byte, error) {
	mod, err := h.newInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", fn, err)
	}
	defer mod.Close(context.WithoutCancel(ctx))

	out, err := invoke(ctx, mod, fn, input)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", fn, err)
	}
	return out, nil
}

func invoke(ctx context.Context, mod api.Module, fn string, input []byte) ([]byte, error) {
	target := mod.ExportedFunction(fn)
	if target == nil {
		return nil, fmt.Errorf("module does not export %q", fn)
	}

	allocated, err := mod.ExportedFunction("alloc").Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(allocated[0])
	if !mod.Memory().Write(ptr, input) {
		return nil, fmt.Errorf("writing %d bytes at %d out of memory range", len(input), ptr)
	}

	results, err := target.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, err
	}

	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	data, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("response %d bytes at %d out of memory range", outLen, outPtr)
	}
	// Copy out: the slice aliases guest memory, which dies with the instance.
	return append([]byte(nil), data...), nil
}

func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
