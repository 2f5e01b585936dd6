package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alga-io/runner/pkg/broker"
	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/capability"
	"github.com/alga-io/runner/pkg/resolver"
)

// Minimal hand-assembled modules. The noop module is the smallest valid
// module exporting a _start that returns immediately:
//
//	(module (func (export "_start")))
var (
	wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	noopStartModule = append(append([]byte{}, wasmHeader...), []byte{
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
		0x03, 0x02, 0x01, 0x00, // func 0 uses type 0
		0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
		0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // body: end
	}...)

	// (module (func (export "_start") unreachable))
	trapStartModule = append(append([]byte{}, wasmHeader...), []byte{
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
		0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b, // body: unreachable, end
	}...)

	// (module (memory 512)): 32MB of linear memory, twice the 16MB
	// test ceiling.
	hugeMemoryModule = append(append([]byte{}, wasmHeader...), []byte{
		0x05, 0x04, 0x01, 0x00, 0x80, 0x04, // memory: min 512 pages
	}...)

	// (module (func (export "_start") (loop br 0))): spins forever
	// without ever yielding.
	spinStartModule = append(append([]byte{}, wasmHeader...), []byte{
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
		0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // body: loop { br 0 }
	}...)
)

// sleb encodes a small non-negative number as LEB128. Two bytes cover
// every quantity these fixtures need.
func sleb(v int) []byte {
	if v < 64 {
		return []byte{byte(v)}
	}
	return []byte{byte(v&0x7f | 0x80), byte(v >> 7)}
}

func wasmSection(id byte, payload []byte) []byte {
	return append(append([]byte{id}, sleb(len(payload))...), payload...)
}

func wasmName(s string) []byte {
	return append(sleb(len(s)), s...)
}

// hostCallModule assembles a guest that drives the whole host ABI: it
// issues one broker call from a data segment, collects the result with
// read_result, logs it with log_emit, and writes responseJSON to stdout
// through WASI fd_write.
func hostCallModule(t *testing.T, callJSON, responseJSON string) []byte {
	t.Helper()

	const (
		respAddr     = 128 // response JSON data segment
		iovecAddr    = 144 // fd_write iovec
		nwrittenAddr = 152
		resultAddr   = 160 // read_result destination
	)
	require.Less(t, len(callJSON), respAddr, "request must fit below the response segment")

	var body []byte
	instr := func(b ...byte) { body = append(body, b...) }
	i32const := func(v int) { instr(0x41); body = append(body, sleb(v)...) }

	instr(0x01, 0x01, 0x7f) // one i32 local for the result length
	i32const(0)
	i32const(len(callJSON))
	instr(0x10, 0x00) // call alga.call
	instr(0x1a)       // drop the packed code/len
	i32const(resultAddr)
	instr(0x10, 0x01) // call alga.read_result
	instr(0x21, 0x00) // local.set 0
	i32const(1)       // info
	i32const(resultAddr)
	instr(0x20, 0x00) // local.get 0
	instr(0x10, 0x02) // call alga.log_emit
	i32const(iovecAddr)
	i32const(respAddr)
	instr(0x36, 0x02, 0x00) // i32.store iovec.ptr
	i32const(iovecAddr + 4)
	i32const(len(responseJSON))
	instr(0x36, 0x02, 0x00) // i32.store iovec.len
	i32const(1)             // fd 1, stdout
	i32const(iovecAddr)
	i32const(1) // one iovec
	i32const(nwrittenAddr)
	instr(0x10, 0x03) // call wasi fd_write
	instr(0x1a)
	instr(0x0b)

	types := []byte{0x05,
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e, // call: (i32,i32) -> i64
		0x60, 0x01, 0x7f, 0x01, 0x7f, // read_result: (i32) -> i32
		0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x00, // log_emit: (i32,i32,i32) -> ()
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, // fd_write: (i32,i32,i32,i32) -> i32
		0x60, 0x00, 0x00, // _start: () -> ()
	}

	imports := []byte{0x04}
	imp := func(mod, name string, typeidx byte) {
		imports = append(imports, wasmName(mod)...)
		imports = append(imports, wasmName(name)...)
		imports = append(imports, 0x00, typeidx)
	}
	imp("alga", "call", 0)
	imp("alga", "read_result", 1)
	imp("alga", "log_emit", 2)
	imp("wasi_snapshot_preview1", "fd_write", 3)

	funcs := []byte{0x01, 0x04} // one function of type 4

	mems := []byte{0x01, 0x00, 0x01} // one memory, min 1 page

	exports := append([]byte{0x02}, wasmName("_start")...)
	exports = append(exports, 0x00, 0x04) // func index 4, after the imports
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, 0x02, 0x00)

	code := append([]byte{0x01}, sleb(len(body))...)
	code = append(code, body...)

	data := []byte{0x02}
	seg := func(addr int, payload string) {
		data = append(data, 0x00, 0x41)
		data = append(data, sleb(addr)...)
		data = append(data, 0x0b)
		data = append(data, sleb(len(payload))...)
		data = append(data, payload...)
	}
	seg(0, callJSON)
	seg(respAddr, responseJSON)

	m := append([]byte{}, wasmHeader...)
	m = append(m, wasmSection(0x01, types)...)
	m = append(m, wasmSection(0x02, imports)...)
	m = append(m, wasmSection(0x03, funcs)...)
	m = append(m, wasmSection(0x05, mems)...)
	m = append(m, wasmSection(0x07, exports)...)
	m = append(m, wasmSection(0x0a, code)...)
	m = append(m, wasmSection(0x0b, data)...)
	return m
}

func wasmArtifact(data []byte) *resolver.ArtifactHandle {
	return &resolver.ArtifactHandle{ContentHash: "sha256:test", Bytes: data}
}

func wasmBinding(t *testing.T) *broker.Binding {
	t.Helper()
	caps, err := capability.NewSet(nil, nil)
	require.NoError(t, err)
	brk := broker.New(broker.NewMemoryKV(), broker.NewMemorySecrets(), nil, nil)
	return brk.Bind(bundle.InvocationContext{
		RequestID:   "req-1",
		TenantID:    "t1",
		ExtensionID: "e1",
	}, caps)
}

func wasmLimits() bundle.ResourceLimits {
	return bundle.ResourceLimits{TimeoutMS: 5000, MemoryMB: 16}
}

func TestWasmRejectsGarbageBytes(t *testing.T) {
	inv := NewWasmInvoker(nil)
	_, err := inv.Invoke(context.Background(), wasmArtifact([]byte("not wasm at all")),
		GuestRequest{}, wasmBinding(t), wasmLimits())
	assert.Equal(t, bundle.KindInvalidEntrypoint, bundle.KindOf(err))
}

func TestWasmRejectsTruncatedModule(t *testing.T) {
	inv := NewWasmInvoker(nil)
	_, err := inv.Invoke(context.Background(), wasmArtifact(noopStartModule[:len(noopStartModule)-3]),
		GuestRequest{}, wasmBinding(t), wasmLimits())
	assert.Equal(t, bundle.KindInvalidEntrypoint, bundle.KindOf(err))
}

func TestWasmRequiresStartExport(t *testing.T) {
	// Valid module, no exports at all.
	inv := NewWasmInvoker(nil)
	_, err := inv.Invoke(context.Background(), wasmArtifact(wasmHeader),
		GuestRequest{}, wasmBinding(t), wasmLimits())
	require.Error(t, err)
	assert.Equal(t, bundle.KindInvalidEntrypoint, bundle.KindOf(err))
	assert.Contains(t, err.Error(), "_start")
}

func TestWasmSilentGuestIsInternalError(t *testing.T) {
	// _start runs and exits cleanly but writes no response to stdout.
	inv := NewWasmInvoker(nil)
	_, err := inv.Invoke(context.Background(), wasmArtifact(noopStartModule),
		GuestRequest{}, wasmBinding(t), wasmLimits())
	require.Error(t, err)
	assert.Equal(t, bundle.KindInternal, bundle.KindOf(err))
}

func TestWasmTrapIsInternalError(t *testing.T) {
	// A crash inside the guest broke no resource limit; it must not be
	// reported as one.
	inv := NewWasmInvoker(nil)
	_, err := inv.Invoke(context.Background(), wasmArtifact(trapStartModule),
		GuestRequest{}, wasmBinding(t), wasmLimits())
	require.Error(t, err)
	assert.Equal(t, bundle.KindInternal, bundle.KindOf(err))
	assert.Contains(t, err.Error(), "trapped")
}

func TestWasmMemoryDeclarationOverCeiling(t *testing.T) {
	inv := NewWasmInvoker(nil)
	_, err := inv.Invoke(context.Background(), wasmArtifact(hugeMemoryModule),
		GuestRequest{}, wasmBinding(t), wasmLimits())
	require.Error(t, err)
	assert.Equal(t, bundle.KindResourceExceeded, bundle.KindOf(err))
}

func TestWasmLargeMemoryCeilingIsClamped(t *testing.T) {
	// A ceiling past wasm32's 4GiB address space must not reject the
	// module; it just stops limiting.
	inv := NewWasmInvoker(nil)
	limits := bundle.ResourceLimits{TimeoutMS: 5000, MemoryMB: 8192}

	_, err := inv.Invoke(context.Background(), wasmArtifact(noopStartModule),
		GuestRequest{}, wasmBinding(t), limits)
	require.Error(t, err)
	assert.Equal(t, bundle.KindInternal, bundle.KindOf(err), "runs to completion, stdout is just empty")
}

func TestWasmRunawayGuestIsAborted(t *testing.T) {
	inv := NewWasmInvoker(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := inv.Invoke(ctx, wasmArtifact(spinStartModule),
		GuestRequest{}, wasmBinding(t), wasmLimits())
	require.Error(t, err)
	assert.Equal(t, bundle.KindResourceExceeded, bundle.KindOf(err))
}

func TestWasmGuestDrivesHostCalls(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	caps, err := capability.NewSet(
		[]capability.Capability{capability.StorageKV}, []string{string(capability.StorageKV)})
	require.NoError(t, err)

	brk := broker.New(broker.NewMemoryKV(), broker.NewMemorySecrets(), nil, logger)
	inv := bundle.InvocationContext{RequestID: "req-1", TenantID: "t1", ExtensionID: "e1"}

	guest := hostCallModule(t,
		`{"op":"kv.set","namespace":"ns","key":"greeting","value_b64":"aGk="}`,
		`{"status":204}`)

	res, err := NewWasmInvoker(nil).Invoke(context.Background(), wasmArtifact(guest),
		GuestRequest{RequestID: "req-1"}, brk.Bind(inv, caps), wasmLimits())
	require.NoError(t, err)
	assert.Equal(t, 204, res.Status)

	// The write landed in the invocation's namespaced KV.
	val, err := brk.Bind(inv, caps).KVGet(context.Background(), "ns", "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), val)

	// The guest collected and logged the call result.
	assert.Contains(t, logs.String(), "found")
}
