// Package registry is the source of truth for published extension
// versions and per-tenant installs. Every lookup is parameterized by
// tenant identity; there is no global "get me the extension" path.
package registry

import (
	"time"

	"github.com/alga-io/runner/pkg/bundle"
)

// Entry is the catalog identity of an extension family. Immutable once
// created on first publish.
type Entry struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Publisher     string    `json:"publisher"`
	LatestVersion string    `json:"latest_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Version is one immutable published release of an extension.
type Version struct {
	VersionID            string    `json:"version_id"`
	RegistryID           string    `json:"registry_id"`
	Semver               string    `json:"semver"`
	ContentHash          string    `json:"content_hash"`
	Signature            string    `json:"signature"`
	CapabilitiesDeclared []string  `json:"capabilities_declared"`

	// Endpoints is the manifest's declared endpoint table, lifted into
	// the version record at publish so the gateway can route without
	// fetching the artifact.
	Endpoints []bundle.Endpoint `json:"endpoints"`

	Active      bool      `json:"active"`
	PublishedAt time.Time `json:"published_at"`
}

// Route returns the declared endpoint matching a request, if any.
func (v *Version) Route(method, path string) (bundle.Endpoint, bool) {
	for _, ep := range v.Endpoints {
		if ep.Matches(method, path) {
			return ep, true
		}
	}
	return bundle.Endpoint{}, false
}

// Install binds a tenant to an extension and its currently active
// version. Upgrades repoint ActiveVersionID; the bundle bytes behind
// the old version are never touched.
type Install struct {
	InstallID           string            `json:"install_id"`
	TenantID            string            `json:"tenant_id"`
	RegistryID          string            `json:"registry_id"`
	ActiveVersionID     string            `json:"active_version_id"`
	GrantedCapabilities []string          `json:"granted_capabilities"`
	Config              map[string]string `json:"config,omitempty"`
	InstalledAt         time.Time         `json:"installed_at"`
}

// Resolution is the output of resolving a tenant's install to a
// loadable version.
type Resolution struct {
	Install *Install
	Version *Version
}
