package trust

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactSignVerifyRoundtrip(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	anchor, err := NewAnchor(signer.PublicKeyHex())
	require.NoError(t, err)

	artifact := []byte("\x00asm\x01\x00\x00\x00 pretend wasm payload")
	sig := signer.SignArtifact(artifact)

	assert.NoError(t, anchor.VerifyArtifact(artifact, sig))
}

func TestVerifyArtifactFailsClosed(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	anchor, err := NewAnchor(signer.PublicKeyHex())
	require.NoError(t, err)

	artifact := []byte("bundle bytes")
	sig := signer.SignArtifact(artifact)

	t.Run("tampered artifact", func(t *testing.T) {
		tampered := append([]byte{}, artifact...)
		tampered[0] ^= 0x01
		assert.ErrorIs(t, anchor.VerifyArtifact(tampered, sig), ErrBadSignature)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewSigner()
		require.NoError(t, err)
		otherAnchor, err := NewAnchor(other.PublicKeyHex())
		require.NoError(t, err)
		assert.ErrorIs(t, otherAnchor.VerifyArtifact(artifact, sig), ErrBadSignature)
	})

	t.Run("garbage signature", func(t *testing.T) {
		assert.Error(t, anchor.VerifyArtifact(artifact, "not-hex"))
	})
}

func TestManifestSignatureIsCanonical(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	anchor, err := NewAnchor(signer.PublicKeyHex())
	require.NoError(t, err)

	manifest := []byte(`{"name":"weather","version":"1.0.0"}`)
	sig, err := signer.SignManifest(manifest)
	require.NoError(t, err)

	// Re-serialized with different whitespace and key order.
	reordered := []byte("{\n  \"version\": \"1.0.0\",\n  \"name\": \"weather\"\n}")
	assert.NoError(t, anchor.VerifyManifest(reordered, sig))

	changed := []byte(`{"name":"weather","version":"1.0.1"}`)
	assert.ErrorIs(t, anchor.VerifyManifest(changed, sig), ErrBadSignature)
}

func TestNewAnchorValidation(t *testing.T) {
	_, err := NewAnchor("zz")
	assert.Error(t, err)

	_, err = NewAnchor("abcd")
	assert.Error(t, err, "wrong key length")
}

func TestSignerPersistence(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, os.WriteFile(path, []byte(signer.SeedHex()+"\n"), 0o600))

	loaded, err := LoadSigner(path)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKeyHex(), loaded.PublicKeyHex())

	artifact := []byte("payload")
	anchor, err := NewAnchor(signer.PublicKeyHex())
	require.NoError(t, err)
	assert.NoError(t, anchor.VerifyArtifact(artifact, loaded.SignArtifact(artifact)))
}

func TestLoadAnchorFromFile(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "anchor.pub")
	require.NoError(t, os.WriteFile(path, []byte(signer.PublicKeyHex()+"\n"), 0o644))

	anchor, err := LoadAnchor(path)
	require.NoError(t, err)
	assert.NoError(t, anchor.VerifyArtifact([]byte("x"), signer.SignArtifact([]byte("x"))))
}
