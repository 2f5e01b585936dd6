package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"runner", "help"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "Usage: runner")
	assert.Contains(t, stdout.String(), "publish")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"runner", "frobnicate"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")
}

func TestKeygenWritesKeypair(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := Run([]string{"runner", "keygen", "--out", dir}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	seed, err := os.ReadFile(filepath.Join(dir, "signing.key"))
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(seed)), 64, "hex-encoded ed25519 seed")

	pub, err := os.ReadFile(filepath.Join(dir, "anchor.pub"))
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(pub)), 64, "hex-encoded ed25519 public key")
}

func TestPublishRequiresFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"runner", "publish"}, &stdout, &stderr)
	assert.NotEqual(t, 0, code)
}
