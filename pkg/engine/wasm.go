package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/alga-io/runner/pkg/broker"
	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/resolver"
)

const (
	wasmPageBytes = 64 * 1024

	// hostModuleName is the namespace the guest imports broker
	// functions under.
	hostModuleName = "alga"

	entrypointExport = "_start"
)

// WasmInvoker runs guests under wazero. A fresh runtime is built for
// every invocation: no linear memory, table, or global survives between
// calls, which is the isolation invariant everything else rests on.
// Deny-by-default: WASI is instantiated with no filesystem mounts, no
// environment, no random source beyond wazero's defaults, and the only
// non-WASI imports are the broker functions bound to this invocation.
type WasmInvoker struct {
	logger *slog.Logger
}

// NewWasmInvoker creates the production invoker.
func NewWasmInvoker(logger *slog.Logger) *WasmInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WasmInvoker{logger: logger}
}

// guestResponse is the shape the guest must write to stdout.
type guestResponse struct {
	Status  int                 `json:"status"`
	Headers map[string]string   `json:"headers,omitempty"`
	Body    []byte              `json:"body_b64,omitempty"`
	Error   *bundle.ResultError `json:"error,omitempty"`
}

// isMemoryLimitErr matches wazero's validation failure for a memory
// whose min or max exceeds the configured page limit.
func isMemoryLimitErr(err error) bool {
	return strings.Contains(err.Error(), "over limit of")
}

func (w *WasmInvoker) Invoke(ctx context.Context, artifact *resolver.ArtifactHandle, req GuestRequest, binding *broker.Binding, limits bundle.ResourceLimits) (*bundle.ExecuteResult, error) {
	runtimeCfg := wazero.NewRuntimeConfig().
		// Close-on-context-done is the host-enforced interruption
		// checkpoint: a guest that never yields is still aborted the
		// next time the scheduler checks the context.
		WithCloseOnContextDone(true)

	if limits.MemoryMB > 0 {
		pages := uint32(limits.MemoryMB * (1 << 20) / wasmPageBytes)
		if pages == 0 {
			pages = 1
		}
		// wazero caps memories at 2^16 pages (4GiB); larger configured
		// ceilings mean "unlimited", not a panic.
		if pages > 1<<16 {
			pages = 1 << 16
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	// Close with a background context so teardown still reclaims the
	// instance after the invocation deadline has fired.
	defer func() { _ = r.Close(context.Background()) }()

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	state := &hostState{binding: binding, callCtx: ctx}
	if err := instantiateHostModule(ctx, r, state); err != nil {
		return nil, fmt.Errorf("engine: bind host imports: %w", err)
	}

	compiled, err := r.CompileModule(ctx, artifact.Bytes)
	if err != nil {
		// A memory section demanding more than the per-invocation page
		// ceiling is a resource violation, not a malformed module.
		if isMemoryLimitErr(err) {
			return nil, bundle.WrapError(bundle.KindResourceExceeded,
				fmt.Sprintf("artifact %s declares memory beyond the %dMB ceiling", artifact.ContentHash, limits.MemoryMB), err)
		}
		return nil, bundle.WrapError(bundle.KindInvalidEntrypoint,
			fmt.Sprintf("artifact %s is not a loadable module", artifact.ContentHash), err)
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	if _, ok := compiled.ExportedFunctions()[entrypointExport]; !ok {
		return nil, bundle.NewError(bundle.KindInvalidEntrypoint,
			fmt.Sprintf("artifact %s does not export %s", artifact.ContentHash, entrypointExport))
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("engine: encode guest request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: nothing can look the instance up
		WithStartFunctions(entrypointExport).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deliberately absent: WithFSConfig (no filesystem), WithEnv (no
	// host environment), WithSysNanotime (no high-res timers).

	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case 0:
				// proc_exit(0): normal completion, stdout holds the response.
			case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
				return nil, bundle.WrapError(bundle.KindResourceExceeded, "instance aborted at interruption checkpoint", err)
			default:
				return nil, bundle.WrapError(bundle.KindInternal,
					fmt.Sprintf("guest exited with code %d", exitErr.ExitCode()), err)
			}
		} else {
			if ctx.Err() != nil {
				return nil, bundle.WrapError(bundle.KindResourceExceeded, "instance aborted at interruption checkpoint", err)
			}
			// A trap (unreachable, out-of-bounds access, division by
			// zero) with a live context broke no resource limit: the
			// guest crashed on its own.
			return nil, bundle.WrapError(bundle.KindInternal, "guest trapped", err)
		}
	}

	if stderr.Len() > 0 {
		w.logger.Debug("guest stderr",
			"request_id", req.RequestID, "extension_id", req.ExtensionID,
			"stderr", stderr.String())
	}

	var resp guestResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, bundle.WrapError(bundle.KindInternal, "guest produced an undecodable response", err)
	}
	if resp.Error != nil {
		return &bundle.ExecuteResult{Error: resp.Error}, nil
	}
	return &bundle.ExecuteResult{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
}
