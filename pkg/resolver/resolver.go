// Package resolver turns a tenant's installed extension version into a
// verified, loadable artifact. Verification is fail-closed: bytes that
// do not hash to the claimed content hash, or whose signature does not
// verify against the trust anchor, are never cached and never executed.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/registry"
	"github.com/alga-io/runner/pkg/store"
	"github.com/alga-io/runner/pkg/trust"
)

// ArtifactHandle is a verified artifact held by an invocation. It owns
// its byte slice: cache eviction after hand-off cannot invalidate it.
type ArtifactHandle struct {
	ContentHash string
	Bytes       []byte
}

// Config bounds the resolver's cache and fetch behavior.
type Config struct {
	CacheMaxBytes int64
	CacheMaxItems int
	FetchTimeout  time.Duration
	MaxFetchBytes int64 // reject artifacts larger than this before hashing

	// RetryAttempts and RetryBase bound the backoff applied to
	// transient store failures. Reads only; the resolver never writes.
	RetryAttempts int
	RetryBase     time.Duration
}

// DefaultConfig returns conservative resolver settings.
func DefaultConfig() Config {
	return Config{
		CacheMaxBytes: 256 << 20,
		CacheMaxItems: 128,
		FetchTimeout:  30 * time.Second,
		MaxFetchBytes: 64 << 20,
		RetryAttempts: 3,
		RetryBase:     200 * time.Millisecond,
	}
}

// Resolver resolves installs to versions and loads verified artifacts.
type Resolver struct {
	reg    registry.Registry
	store  store.Store
	anchor *trust.Anchor
	cache  *artifactCache
	cfg    Config
	logger *slog.Logger
}

// New creates a Resolver. The anchor is required: without one, no
// freshly fetched artifact can ever become usable.
func New(reg registry.Registry, st store.Store, anchor *trust.Anchor, cfg Config, logger *slog.Logger) (*Resolver, error) {
	if anchor == nil {
		return nil, trust.ErrNoAnchor
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheMaxBytes <= 0 || cfg.CacheMaxItems <= 0 {
		def := DefaultConfig()
		if cfg.CacheMaxBytes <= 0 {
			cfg.CacheMaxBytes = def.CacheMaxBytes
		}
		if cfg.CacheMaxItems <= 0 {
			cfg.CacheMaxItems = def.CacheMaxItems
		}
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	return &Resolver{
		reg:    reg,
		store:  st,
		anchor: anchor,
		cache:  newArtifactCache(cfg.CacheMaxBytes, cfg.CacheMaxItems),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// ResolveActiveVersion reads the tenant's install record.
func (r *Resolver) ResolveActiveVersion(ctx context.Context, tenantID, extensionID string) (*registry.Resolution, error) {
	return r.reg.ResolveActiveVersion(ctx, tenantID, extensionID)
}

// LoadArtifact returns the verified artifact for a published version.
// Cache hits skip re-verification: the key is the hash, so a cached
// entry can only ever hold the bytes that passed verification.
func (r *Resolver) LoadArtifact(ctx context.Context, v *registry.Version) (*ArtifactHandle, error) {
	if data, ok := r.cache.get(v.ContentHash); ok {
		return &ArtifactHandle{ContentHash: v.ContentHash, Bytes: data}, nil
	}

	data, err := r.fetchWithRetry(ctx, v.ContentHash)
	if err != nil {
		return nil, err
	}

	if r.cfg.MaxFetchBytes > 0 && int64(len(data)) > r.cfg.MaxFetchBytes {
		return nil, bundle.NewError(bundle.KindUpstreamUnavailable,
			fmt.Sprintf("store returned %d bytes for %s, over the %d byte fetch limit", len(data), v.ContentHash, r.cfg.MaxFetchBytes))
	}

	if got := store.HashBytes(data); got != v.ContentHash {
		r.logger.Warn("artifact hash mismatch, failing closed",
			"content_hash", v.ContentHash, "computed", got, "version_id", v.VersionID)
		return nil, bundle.NewError(bundle.KindHashMismatch,
			fmt.Sprintf("fetched bytes hash to %s, claimed %s", got, v.ContentHash))
	}

	if err := r.anchor.VerifyArtifact(data, v.Signature); err != nil {
		return nil, bundle.WrapError(bundle.KindSignatureInvalid,
			fmt.Sprintf("artifact %s signature rejected", v.ContentHash), err)
	}

	// Only verified bytes reach the cache.
	r.cache.put(v.ContentHash, data)

	return &ArtifactHandle{ContentHash: v.ContentHash, Bytes: data}, nil
}

// Invalidate drops a cached artifact. Administrative use only; the hot
// path never needs it because cache keys are content hashes.
func (r *Resolver) Invalidate(contentHash string) {
	r.cache.remove(contentHash)
}

// CacheStats reports current cache occupancy.
func (r *Resolver) CacheStats() (items int, bytes int64) {
	return r.cache.stats()
}

// fetchWithRetry retries transient store failures with bounded
// exponential backoff. Missing objects are deterministic and surface
// immediately.
func (r *Resolver) fetchWithRetry(ctx context.Context, contentHash string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, bundle.WrapError(bundle.KindUpstreamUnavailable, "fetch canceled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		fetchCtx := ctx
		if r.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
			defer cancel()
		}

		data, err := r.store.Get(fetchCtx, contentHash)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, bundle.WrapError(bundle.KindUpstreamUnavailable,
				fmt.Sprintf("artifact %s missing from bundle store", contentHash), err)
		}
		lastErr = err
		r.logger.Warn("bundle store fetch failed",
			"content_hash", contentHash, "attempt", attempt+1, "error", err)
	}
	return nil, bundle.WrapError(bundle.KindUpstreamUnavailable,
		fmt.Sprintf("bundle store unreachable after %d attempts", r.cfg.RetryAttempts), lastErr)
}
