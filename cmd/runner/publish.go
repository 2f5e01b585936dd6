package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/registry"
	"github.com/alga-io/runner/pkg/store"
	"github.com/alga-io/runner/pkg/trust"
)

// runKeygen mints a publisher signing keypair. The public key is the
// trust anchor the server is configured with; the seed stays with the
// publish tooling.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	outDir := cmd.String("out", ".", "Directory for the key files")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := trust.NewSigner()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}

	keyPath := *outDir + "/signing.key"
	pubPath := *outDir + "/anchor.pub"
	if err := os.WriteFile(keyPath, []byte(signer.SeedHex()+"\n"), 0o600); err != nil {
		fmt.Fprintf(stderr, "write %s: %v\n", keyPath, err)
		return 1
	}
	if err := os.WriteFile(pubPath, []byte(signer.PublicKeyHex()+"\n"), 0o644); err != nil {
		fmt.Fprintf(stderr, "write %s: %v\n", pubPath, err)
		return 1
	}

	fmt.Fprintf(stdout, "signing key: %s\n", keyPath)
	fmt.Fprintf(stdout, "trust anchor: %s (%s)\n", pubPath, signer.PublicKeyHex())
	return 0
}

// runPublish signs a wasm bundle, writes it to the content-addressed
// store, and records the version in the registry.
func runPublish(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		manifestPath = cmd.String("manifest", "", "Path to extension manifest JSON (REQUIRED)")
		wasmPath     = cmd.String("wasm", "", "Path to the compiled wasm module (REQUIRED)")
		keyPath      = cmd.String("key", "signing.key", "Publisher signing key")
		extensionID  = cmd.String("extension", "", "Extension id (defaults to manifest name)")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *manifestPath == "" || *wasmPath == "" {
		fmt.Fprintln(stderr, "Error: --manifest and --wasm are required")
		cmd.Usage()
		return 2
	}

	manifestJSON, err := os.ReadFile(*manifestPath)
	if err != nil {
		fmt.Fprintf(stderr, "read manifest: %v\n", err)
		return 1
	}
	manifest, err := bundle.ParseManifest(manifestJSON)
	if err != nil {
		fmt.Fprintf(stderr, "invalid manifest: %v\n", err)
		return 1
	}

	wasm, err := os.ReadFile(*wasmPath)
	if err != nil {
		fmt.Fprintf(stderr, "read wasm: %v\n", err)
		return 1
	}

	signer, err := trust.LoadSigner(*keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "load signing key: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	st, err := store.NewFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "bundle store: %v\n", err)
		return 1
	}

	contentHash, err := st.Put(ctx, wasm)
	if err != nil {
		fmt.Fprintf(stderr, "store bundle: %v\n", err)
		return 1
	}

	reg, closeDB, err := openRegistry(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "registry: %v\n", err)
		return 1
	}
	defer closeDB()

	id := *extensionID
	if id == "" {
		id = manifest.Name
	}

	entry := &registry.Entry{
		ID:        id,
		Name:      manifest.Name,
		Publisher: manifest.Publisher,
	}
	version := &registry.Version{
		VersionID:            uuid.NewString(),
		Semver:               manifest.Version,
		ContentHash:          contentHash,
		Signature:            signer.SignArtifact(wasm),
		CapabilitiesDeclared: manifest.Capabilities,
		Endpoints:            manifest.Endpoints,
	}
	if err := reg.PublishVersion(ctx, entry, version); err != nil {
		fmt.Fprintf(stderr, "publish: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "published %s %s\n", id, manifest.Version)
	fmt.Fprintf(stdout, "  version_id:   %s\n", version.VersionID)
	fmt.Fprintf(stdout, "  content_hash: %s\n", contentHash)
	return 0
}

// runInstall binds a tenant to a published version with a capability
// grant set.
func runInstall(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("install", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenantID    = cmd.String("tenant", "", "Tenant id (REQUIRED)")
		extensionID = cmd.String("extension", "", "Extension id (REQUIRED)")
		versionID   = cmd.String("version-id", "", "Published version id (REQUIRED)")
		grants      = cmd.String("grant", "", "Comma-separated capability grants")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *tenantID == "" || *extensionID == "" || *versionID == "" {
		fmt.Fprintln(stderr, "Error: --tenant, --extension, and --version-id are required")
		cmd.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reg, closeDB, err := openRegistry(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "registry: %v\n", err)
		return 1
	}
	defer closeDB()

	var granted []string
	for _, g := range strings.Split(*grants, ",") {
		if g = strings.TrimSpace(g); g != "" {
			granted = append(granted, g)
		}
	}

	inst := &registry.Install{
		InstallID:           uuid.NewString(),
		TenantID:            *tenantID,
		RegistryID:          *extensionID,
		ActiveVersionID:     *versionID,
		GrantedCapabilities: granted,
	}
	if err := reg.Install(ctx, inst); err != nil {
		fmt.Fprintf(stderr, "install: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "installed %s for tenant %s (install %s)\n", *extensionID, *tenantID, inst.InstallID)
	return 0
}

// openRegistry connects to the Postgres registry from DATABASE_URL.
// The publish tooling has no in-memory fallback: a registry that dies
// with the process cannot be published to.
func openRegistry(ctx context.Context) (registry.Registry, func(), error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	reg := registry.NewPostgresRegistry(db)
	if err := reg.Init(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return reg, func() { _ = db.Close() }, nil
}
