package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alga-io/runner/pkg/bundle"
)

// Registry stores extension catalog entries, versions, and tenant
// installs. The execution core resolves through it on every request;
// publish and install mutations come from the administrative surface.
type Registry interface {
	// ResolveActiveVersion maps (tenant, extension) to the install's
	// active version. Fails with KindInstallNotFound when the tenant
	// has no install, KindVersionInactive when the version has been
	// deprecated.
	ResolveActiveVersion(ctx context.Context, tenantID, extensionID string) (*Resolution, error)

	// PublishVersion records a new immutable release.
	PublishVersion(ctx context.Context, entry *Entry, v *Version) error

	// Install binds a tenant to an extension version.
	Install(ctx context.Context, inst *Install) error

	// DeactivateVersion marks a version inactive. Installs still
	// pointing at it resolve to KindVersionInactive until repointed.
	DeactivateVersion(ctx context.Context, versionID string) error
}

// MemoryRegistry is a thread-safe in-memory Registry, used in dev mode
// and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry   // registry ID → entry
	versions map[string]*Version // version ID → version
	installs map[string]*Install // tenant|extension → install
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]*Entry),
		versions: make(map[string]*Version),
		installs: make(map[string]*Install),
	}
}

func installKey(tenantID, extensionID string) string {
	return tenantID + "|" + extensionID
}

func (r *MemoryRegistry) ResolveActiveVersion(ctx context.Context, tenantID, extensionID string) (*Resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.installs[installKey(tenantID, extensionID)]
	if !ok {
		return nil, bundle.NewError(bundle.KindInstallNotFound,
			fmt.Sprintf("no active install of %s for tenant %s", extensionID, tenantID))
	}
	v, ok := r.versions[inst.ActiveVersionID]
	if !ok || !v.Active {
		return nil, bundle.NewError(bundle.KindVersionInactive,
			fmt.Sprintf("version %s of %s is not active", inst.ActiveVersionID, extensionID))
	}

	instCopy := *inst
	vCopy := *v
	return &Resolution{Install: &instCopy, Version: &vCopy}, nil
}

func (r *MemoryRegistry) PublishVersion(ctx context.Context, entry *Entry, v *Version) error {
	if entry == nil || v == nil {
		return fmt.Errorf("registry: nil entry or version")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.VersionID == "" {
		v.VersionID = uuid.NewString()
	}
	if v.PublishedAt.IsZero() {
		v.PublishedAt = time.Now().UTC()
	}
	v.RegistryID = entry.ID
	v.Active = true

	if existing, ok := r.entries[entry.ID]; ok {
		// Catalog identity is immutable; only the latest pointer moves.
		if cmp, err := bundle.CompareVersions(v.Semver, existing.LatestVersion); err == nil && cmp > 0 {
			existing.LatestVersion = v.Semver
		}
	} else {
		e := *entry
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		e.LatestVersion = v.Semver
		r.entries[e.ID] = &e
	}

	vCopy := *v
	r.versions[v.VersionID] = &vCopy
	return nil
}

func (r *MemoryRegistry) Install(ctx context.Context, inst *Install) error {
	if inst == nil {
		return fmt.Errorf("registry: nil install")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.versions[inst.ActiveVersionID]
	if !ok {
		return fmt.Errorf("registry: unknown version %s", inst.ActiveVersionID)
	}
	for _, g := range inst.GrantedCapabilities {
		if !declaresCapability(v, g) {
			return fmt.Errorf("registry: capability %q granted but not declared by version %s", g, v.VersionID)
		}
	}

	c := *inst
	if c.InstallID == "" {
		c.InstallID = uuid.NewString()
	}
	if c.InstalledAt.IsZero() {
		c.InstalledAt = time.Now().UTC()
	}
	r.installs[installKey(c.TenantID, c.RegistryID)] = &c
	return nil
}

func (r *MemoryRegistry) DeactivateVersion(ctx context.Context, versionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.versions[versionID]
	if !ok {
		return fmt.Errorf("registry: unknown version %s", versionID)
	}
	v.Active = false
	return nil
}

// declaresCapability ignores log.emit, which every bundle gets without
// declaring it.
func declaresCapability(v *Version, name string) bool {
	if name == "log.emit" {
		return true
	}
	for _, d := range v.CapabilitiesDeclared {
		if d == name {
			return true
		}
	}
	return false
}
