package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alga-io/runner/pkg/bundle"
)

func publishFixture(t *testing.T, r Registry, extID, semver string, caps []string) *Version {
	t.Helper()
	v := &Version{
		Semver:               semver,
		ContentHash:          "sha256:" + semver,
		Signature:            "sig",
		CapabilitiesDeclared: caps,
		Endpoints: []bundle.Endpoint{
			{Method: "GET", Path: "/forecast"},
		},
	}
	err := r.PublishVersion(context.Background(), &Entry{ID: extID, Name: extID, Publisher: "acme"}, v)
	require.NoError(t, err)
	return v
}

func TestMemoryRegistryResolve(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	v := publishFixture(t, r, "weather", "1.0.0", []string{"http.fetch"})
	require.NoError(t, r.Install(ctx, &Install{
		TenantID:            "t1",
		RegistryID:          "weather",
		ActiveVersionID:     v.VersionID,
		GrantedCapabilities: []string{"http.fetch"},
	}))

	res, err := r.ResolveActiveVersion(ctx, "t1", "weather")
	require.NoError(t, err)
	assert.Equal(t, v.VersionID, res.Version.VersionID)
	assert.Equal(t, []string{"http.fetch"}, res.Install.GrantedCapabilities)

	_, matched := res.Version.Route("GET", "/forecast")
	assert.True(t, matched)
}

func TestMemoryRegistryInstallNotFound(t *testing.T) {
	r := NewMemoryRegistry()
	_, err := r.ResolveActiveVersion(context.Background(), "t1", "weather")
	assert.Equal(t, bundle.KindInstallNotFound, bundle.KindOf(err))
}

func TestMemoryRegistryTenantsAreIsolated(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	v := publishFixture(t, r, "weather", "1.0.0", nil)
	require.NoError(t, r.Install(ctx, &Install{
		TenantID: "t1", RegistryID: "weather", ActiveVersionID: v.VersionID,
	}))

	_, err := r.ResolveActiveVersion(ctx, "t2", "weather")
	assert.Equal(t, bundle.KindInstallNotFound, bundle.KindOf(err),
		"another tenant's install must not resolve")
}

func TestMemoryRegistryDeactivatedVersion(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	v := publishFixture(t, r, "weather", "1.0.0", nil)
	require.NoError(t, r.Install(ctx, &Install{
		TenantID: "t1", RegistryID: "weather", ActiveVersionID: v.VersionID,
	}))
	require.NoError(t, r.DeactivateVersion(ctx, v.VersionID))

	_, err := r.ResolveActiveVersion(ctx, "t1", "weather")
	assert.Equal(t, bundle.KindVersionInactive, bundle.KindOf(err))
}

func TestMemoryRegistryRejectsUndeclaredGrant(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	v := publishFixture(t, r, "weather", "1.0.0", []string{"http.fetch"})
	err := r.Install(ctx, &Install{
		TenantID:            "t1",
		RegistryID:          "weather",
		ActiveVersionID:     v.VersionID,
		GrantedCapabilities: []string{"secrets.get"},
	})
	assert.Error(t, err)
}

func TestMemoryRegistryLogEmitGrantNeedsNoDeclaration(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	v := publishFixture(t, r, "weather", "1.0.0", nil)
	err := r.Install(ctx, &Install{
		TenantID:            "t1",
		RegistryID:          "weather",
		ActiveVersionID:     v.VersionID,
		GrantedCapabilities: []string{"log.emit"},
	})
	assert.NoError(t, err)
}

func TestMemoryRegistryUpgradeRepointsInstall(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	v1 := publishFixture(t, r, "weather", "1.0.0", nil)
	v2 := publishFixture(t, r, "weather", "1.1.0", nil)

	require.NoError(t, r.Install(ctx, &Install{
		TenantID: "t1", RegistryID: "weather", ActiveVersionID: v1.VersionID,
	}))
	require.NoError(t, r.Install(ctx, &Install{
		TenantID: "t1", RegistryID: "weather", ActiveVersionID: v2.VersionID,
	}))

	res, err := r.ResolveActiveVersion(ctx, "t1", "weather")
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, res.Version.VersionID)
}
