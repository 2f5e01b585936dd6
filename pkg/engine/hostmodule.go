package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/alga-io/runner/pkg/broker"
	"github.com/alga-io/runner/pkg/bundle"
)

// Guest ABI, module "alga":
//
//	log_emit(level i32, ptr i32, len i32)
//	call(ptr i32, len i32) -> i64        // (code << 32) | result_len
//	read_result(ptr i32) -> i32          // copies pending result, returns bytes written
//
// call takes a JSON request naming the broker operation; the host
// stashes the JSON result until the guest collects it with
// read_result. code 0 means success; any other code means the result
// is a {code, message} denial. Within one invocation, calls complete
// in the order the guest issues them.
const (
	callOK    = 0
	callError = 1
)

// hostState is the per-invocation host side of the ABI. The pending
// buffer holds at most one uncollected result; guests are synchronous
// so that is all the ordering guarantee requires.
type hostState struct {
	binding *broker.Binding
	callCtx context.Context
	pending []byte
}

// hostCall is the envelope for the generic broker call.
type hostCall struct {
	Op string `json:"op"`

	// http.fetch
	Request *broker.FetchRequest `json:"request,omitempty"`

	// kv.* and secrets.get
	Namespace string `json:"namespace,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     []byte `json:"value_b64,omitempty"`
}

type kvResult struct {
	Found bool   `json:"found"`
	Value []byte `json:"value_b64,omitempty"`
}

type secretResult struct {
	Value string `json:"value"`
}

func instantiateHostModule(ctx context.Context, r wazero.Runtime, state *hostState) error {
	_, err := r.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, level, ptr, length uint32) {
			msg, ok := m.Memory().Read(ptr, length)
			if !ok {
				return
			}
			state.binding.Log(slogLevel(level), string(msg))
		}).
		Export("log_emit").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
			raw, ok := m.Memory().Read(ptr, length)
			if !ok {
				return packResult(state, callError, denialJSON(bundle.KindInternal, "request outside guest memory"))
			}
			code, result := state.dispatch(raw)
			return packResult(state, code, result)
		}).
		Export("call").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) uint32 {
			if state.pending == nil {
				return 0
			}
			if !m.Memory().Write(ptr, state.pending) {
				return 0
			}
			n := uint32(len(state.pending))
			state.pending = nil
			return n
		}).
		Export("read_result").
		Instantiate(ctx)
	return err
}

func packResult(state *hostState, code uint32, result []byte) uint64 {
	state.pending = result
	return uint64(code)<<32 | uint64(uint32(len(result)))
}

// dispatch routes one guest call through the binding. Every failure
// comes back as a structured {code, message} so the guest can tell a
// denial from a target rejection.
func (s *hostState) dispatch(raw []byte) (uint32, []byte) {
	var call hostCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return callError, denialJSON(bundle.KindInternal, "undecodable host call")
	}

	switch call.Op {
	case "http.fetch":
		if call.Request == nil {
			return callError, denialJSON(bundle.KindInternal, "http.fetch without request")
		}
		resp, err := s.binding.HTTPFetch(s.callCtx, call.Request)
		if err != nil {
			return callError, errorJSON(err)
		}
		return ok(resp)

	case "kv.get":
		val, err := s.binding.KVGet(s.callCtx, call.Namespace, call.Key)
		if errors.Is(err, broker.ErrKeyNotFound) {
			return ok(kvResult{Found: false})
		}
		if err != nil {
			return callError, errorJSON(err)
		}
		return ok(kvResult{Found: true, Value: val})

	case "kv.set":
		if err := s.binding.KVSet(s.callCtx, call.Namespace, call.Key, call.Value); err != nil {
			return callError, errorJSON(err)
		}
		return ok(kvResult{Found: true})

	case "kv.delete":
		if err := s.binding.KVDelete(s.callCtx, call.Namespace, call.Key); err != nil {
			return callError, errorJSON(err)
		}
		return ok(kvResult{Found: true})

	case "secrets.get":
		val, err := s.binding.SecretsGet(s.callCtx, call.Key)
		if err != nil {
			return callError, errorJSON(err)
		}
		return ok(secretResult{Value: val})

	default:
		return callError, denialJSON(bundle.KindCapabilityDenied, "unknown host operation "+call.Op)
	}
}

func ok(v any) (uint32, []byte) {
	data, err := json.Marshal(v)
	if err != nil {
		return callError, denialJSON(bundle.KindInternal, "unencodable host result")
	}
	return callOK, data
}

func errorJSON(err error) []byte {
	return denialJSON(bundle.KindOf(err), err.Error())
}

func denialJSON(kind bundle.Kind, message string) []byte {
	data, _ := json.Marshal(bundle.ResultError{Code: kind, Message: message})
	return data
}

func slogLevel(level uint32) slog.Level {
	switch level {
	case 0:
		return slog.LevelDebug
	case 2:
		return slog.LevelWarn
	case 3:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
