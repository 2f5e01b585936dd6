package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/alga-io/runner/pkg/bundle"
)

// PostgresRegistry implements Registry with SQL persistence.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry wraps an open database handle. Call Init once to
// apply the schema.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS extension_entries (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	publisher TEXT NOT NULL,
	latest_version TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS extension_versions (
	version_id TEXT PRIMARY KEY,
	registry_id TEXT NOT NULL REFERENCES extension_entries(id),
	semver TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	capabilities_declared TEXT[] NOT NULL DEFAULT '{}',
	endpoints JSONB NOT NULL DEFAULT '[]',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	published_at TIMESTAMPTZ NOT NULL,
	UNIQUE (registry_id, semver)
);

CREATE TABLE IF NOT EXISTS tenant_installs (
	install_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	registry_id TEXT NOT NULL REFERENCES extension_entries(id),
	active_version_id TEXT NOT NULL REFERENCES extension_versions(version_id),
	granted_capabilities TEXT[] NOT NULL DEFAULT '{}',
	config JSONB NOT NULL DEFAULT '{}',
	installed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, registry_id)
);
`

// Init applies the registry schema.
func (r *PostgresRegistry) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("registry: apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) ResolveActiveVersion(ctx context.Context, tenantID, extensionID string) (*Resolution, error) {
	const q = `
		SELECT i.install_id, i.tenant_id, i.registry_id, i.active_version_id,
		       i.granted_capabilities, i.config, i.installed_at,
		       v.version_id, v.semver, v.content_hash, v.signature,
		       v.capabilities_declared, v.endpoints, v.active, v.published_at
		FROM tenant_installs i
		JOIN extension_versions v ON v.version_id = i.active_version_id
		WHERE i.tenant_id = $1 AND i.registry_id = $2
	`
	var (
		inst      Install
		v         Version
		grants    pq.StringArray
		decls     pq.StringArray
		instCfg   []byte
		endpoints []byte
		instAt    time.Time
		pubAt     time.Time
		active    bool
		verID     string
		semverS   string
	)
	row := r.db.QueryRowContext(ctx, q, tenantID, extensionID)
	err := row.Scan(
		&inst.InstallID, &inst.TenantID, &inst.RegistryID, &inst.ActiveVersionID,
		&grants, &instCfg, &instAt,
		&verID, &semverS, &v.ContentHash, &v.Signature,
		&decls, &endpoints, &active, &pubAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bundle.NewError(bundle.KindInstallNotFound,
			fmt.Sprintf("no active install of %s for tenant %s", extensionID, tenantID))
	}
	if err != nil {
		return nil, fmt.Errorf("registry: resolve install: %w", err)
	}
	if !active {
		return nil, bundle.NewError(bundle.KindVersionInactive,
			fmt.Sprintf("version %s of %s is not active", verID, extensionID))
	}

	inst.GrantedCapabilities = grants
	inst.InstalledAt = instAt
	if len(instCfg) > 0 {
		if err := json.Unmarshal(instCfg, &inst.Config); err != nil {
			return nil, fmt.Errorf("registry: decode install config: %w", err)
		}
	}
	if len(endpoints) > 0 {
		if err := json.Unmarshal(endpoints, &v.Endpoints); err != nil {
			return nil, fmt.Errorf("registry: decode endpoint table: %w", err)
		}
	}
	v.VersionID = verID
	v.RegistryID = inst.RegistryID
	v.Semver = semverS
	v.CapabilitiesDeclared = decls
	v.Active = active
	v.PublishedAt = pubAt

	return &Resolution{Install: &inst, Version: &v}, nil
}

func (r *PostgresRegistry) PublishVersion(ctx context.Context, entry *Entry, v *Version) error {
	if entry == nil || v == nil {
		return fmt.Errorf("registry: nil entry or version")
	}
	if v.VersionID == "" {
		v.VersionID = uuid.NewString()
	}
	if v.PublishedAt.IsZero() {
		v.PublishedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO extension_entries (id, name, publisher, latest_version, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET latest_version = EXCLUDED.latest_version
	`, entry.ID, entry.Name, entry.Publisher, v.Semver, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("registry: upsert entry: %w", err)
	}

	endpoints, err := json.Marshal(v.Endpoints)
	if err != nil {
		return fmt.Errorf("registry: encode endpoint table: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO extension_versions
			(version_id, registry_id, semver, content_hash, signature,
			 capabilities_declared, endpoints, active, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
	`, v.VersionID, entry.ID, v.Semver, v.ContentHash, v.Signature,
		pq.StringArray(v.CapabilitiesDeclared), endpoints, v.PublishedAt)
	if err != nil {
		return fmt.Errorf("registry: insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit publish: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Install(ctx context.Context, inst *Install) error {
	if inst == nil {
		return fmt.Errorf("registry: nil install")
	}
	if inst.InstallID == "" {
		inst.InstallID = uuid.NewString()
	}
	if inst.InstalledAt.IsZero() {
		inst.InstalledAt = time.Now().UTC()
	}

	instCfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("registry: encode install config: %w", err)
	}

	// Grants outside the declared capability set are rejected in the
	// same statement that reads the declaration, so a concurrent
	// publish cannot widen the window.
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tenant_installs
			(install_id, tenant_id, registry_id, active_version_id,
			 granted_capabilities, config, installed_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		FROM extension_versions v
		WHERE v.version_id = $4
		  AND $5::TEXT[] <@ (v.capabilities_declared || ARRAY['log.emit'])
		ON CONFLICT (tenant_id, registry_id) DO UPDATE
		SET active_version_id = EXCLUDED.active_version_id,
		    granted_capabilities = EXCLUDED.granted_capabilities,
		    config = EXCLUDED.config
	`, inst.InstallID, inst.TenantID, inst.RegistryID, inst.ActiveVersionID,
		pq.StringArray(inst.GrantedCapabilities), instCfg, inst.InstalledAt)
	if err != nil {
		return fmt.Errorf("registry: install: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: install rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("registry: version %s unknown or grants exceed declared capabilities", inst.ActiveVersionID)
	}
	return nil
}

func (r *PostgresRegistry) DeactivateVersion(ctx context.Context, versionID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE extension_versions SET active = FALSE WHERE version_id = $1`, versionID)
	if err != nil {
		return fmt.Errorf("registry: deactivate version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: deactivate rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("registry: unknown version %s", versionID)
	}
	return nil
}
