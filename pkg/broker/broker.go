// Package broker mediates every interaction between sandboxed guest
// code and the outside world. A guest can only reach what a Binding
// exposes, and a Binding is scoped to exactly one invocation of one
// tenant's install. Capability checks return structured denials so the
// guest and the execution log can tell "not granted" apart from
// "granted but target refused".
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/capability"
)

// Broker owns the shared backends (KV store, secrets, egress client)
// and mints per-invocation bindings.
type Broker struct {
	kv      KV
	secrets Secrets
	egress  *EgressClient
	logger  *slog.Logger
}

// New assembles a broker. A nil KV or Secrets backend disables the
// corresponding capability even when granted: fail closed rather than
// fail open to a missing backend.
func New(kv KV, secrets Secrets, egress *EgressClient, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{kv: kv, secrets: secrets, egress: egress, logger: logger}
}

// Binding is the capability surface for one invocation. Every method
// is tenant+extension scoped through the invocation context captured
// at bind time; there is no way to address another tenant's data.
type Binding struct {
	inv         bundle.InvocationContext
	caps        *capability.Set
	broker      *Broker
	extraHosts  []string
	egressBytes atomic.Int64
}

// Bind scopes the broker to a single invocation.
func (b *Broker) Bind(inv bundle.InvocationContext, caps *capability.Set) *Binding {
	return &Binding{inv: inv, caps: caps, broker: b}
}

// WithEgressHosts widens this binding's outbound allow-list with the
// tenant profile's hosts. Only this invocation sees them.
func (bd *Binding) WithEgressHosts(hosts []string) *Binding {
	bd.extraHosts = hosts
	return bd
}

// EgressBytes reports how many response bytes this invocation pulled
// in through HTTPFetch. The engine folds it into resource usage.
func (bd *Binding) EgressBytes() int64 {
	return bd.egressBytes.Load()
}

// deny builds the structured capability denial for this binding.
func (bd *Binding) deny(cap capability.Capability) error {
	return bundle.NewError(bundle.KindCapabilityDenied,
		fmt.Sprintf("capability %s not granted to install %s", cap, bd.inv.InstallID))
}

// Log emits a guest log line into the host's structured log with full
// invocation correlation. Always permitted.
func (bd *Binding) Log(level slog.Level, message string) {
	bd.broker.logger.LogAttrs(context.Background(), level, message,
		slog.String("source", "guest"),
		slog.String("tenant_id", bd.inv.TenantID),
		slog.String("extension_id", bd.inv.ExtensionID),
		slog.String("request_id", bd.inv.RequestID),
	)
}

// HTTPFetch performs allow-listed HTTP egress on behalf of the guest.
func (bd *Binding) HTTPFetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	if !bd.caps.Has(capability.HTTPFetch) {
		return nil, bd.deny(capability.HTTPFetch)
	}
	if bd.broker.egress == nil {
		return nil, bundle.NewError(bundle.KindEgressDenied, "no egress backend configured")
	}
	resp, err := bd.broker.egress.Do(ctx, req, bd.extraHosts...)
	if err != nil {
		return nil, err
	}
	bd.egressBytes.Add(int64(len(resp.Body)))
	return resp, nil
}

// KVGet reads a value from the install's namespaced KV store.
func (bd *Binding) KVGet(ctx context.Context, namespace, key string) ([]byte, error) {
	if !bd.caps.Has(capability.StorageKV) {
		return nil, bd.deny(capability.StorageKV)
	}
	if bd.broker.kv == nil {
		return nil, bundle.NewError(bundle.KindCapabilityDenied, "no kv backend configured")
	}
	return bd.broker.kv.Get(ctx, bd.kvKey(namespace, key))
}

// KVSet writes a value into the install's namespaced KV store.
func (bd *Binding) KVSet(ctx context.Context, namespace, key string, value []byte) error {
	if !bd.caps.Has(capability.StorageKV) {
		return bd.deny(capability.StorageKV)
	}
	if bd.broker.kv == nil {
		return bundle.NewError(bundle.KindCapabilityDenied, "no kv backend configured")
	}
	return bd.broker.kv.Set(ctx, bd.kvKey(namespace, key), value)
}

// KVDelete removes a key from the install's namespaced KV store.
func (bd *Binding) KVDelete(ctx context.Context, namespace, key string) error {
	if !bd.caps.Has(capability.StorageKV) {
		return bd.deny(capability.StorageKV)
	}
	if bd.broker.kv == nil {
		return bundle.NewError(bundle.KindCapabilityDenied, "no kv backend configured")
	}
	return bd.broker.kv.Delete(ctx, bd.kvKey(namespace, key))
}

// SecretsGet reads a secret provisioned for this install. Values are
// handed to the guest and never logged.
func (bd *Binding) SecretsGet(ctx context.Context, key string) (string, error) {
	if !bd.caps.Has(capability.SecretsGet) {
		return "", bd.deny(capability.SecretsGet)
	}
	if bd.broker.secrets == nil {
		return "", bundle.NewError(bundle.KindCapabilityDenied, "no secrets backend configured")
	}
	return bd.broker.secrets.Get(ctx, bd.inv.TenantID, bd.inv.ExtensionID, key)
}

// kvKey derives the physical storage key. The tenant+extension prefix
// is structural: two installs can use identical namespace/key names
// and still never collide.
func (bd *Binding) kvKey(namespace, key string) string {
	return fmt.Sprintf("ext:%s:%s:%s:%s", bd.inv.TenantID, bd.inv.ExtensionID, namespace, key)
}
