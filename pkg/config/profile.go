package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantProfile overrides execution defaults for one tenant. Fields
// left zero inherit the server-wide configuration.
type TenantProfile struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	Limits  ProfileLimits  `yaml:"limits" json:"limits"`
	Egress  ProfileEgress  `yaml:"egress" json:"egress"`
	Budgets ProfileBudgets `yaml:"budgets" json:"budgets"`
}

// ProfileLimits caps a tenant's invocations.
type ProfileLimits struct {
	TimeoutMS      int64 `yaml:"timeout_ms" json:"timeout_ms"`
	MemoryMB       int64 `yaml:"memory_mb" json:"memory_mb"`
	MaxConcurrency int64 `yaml:"max_concurrency" json:"max_concurrency"`
}

// ProfileEgress narrows or widens a tenant's outbound host allow-list.
type ProfileEgress struct {
	AllowedHosts []string `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`
	MaxBytes     int64    `yaml:"max_bytes" json:"max_bytes"`
}

// ProfileBudgets sets quota-window ceilings. Zero means unlimited.
type ProfileBudgets struct {
	MaxInvocations int64 `yaml:"max_invocations" json:"max_invocations"`
	MaxCPUTimeMS   int64 `yaml:"max_cpu_time_ms" json:"max_cpu_time_ms"`
	MaxEgressBytes int64 `yaml:"max_egress_bytes" json:"max_egress_bytes"`
}

// Timeout returns the profile's timeout or the given fallback.
func (p *TenantProfile) Timeout(fallback time.Duration) time.Duration {
	if p == nil || p.Limits.TimeoutMS <= 0 {
		return fallback
	}
	return time.Duration(p.Limits.TimeoutMS) * time.Millisecond
}

// LoadProfile loads one tenant's profile YAML by tenant id. It reads
// profilesDir/profile_<tenant>.yaml.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(tenantID)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by tenant id.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.TenantID] = &profile
	}

	return profiles, nil
}
