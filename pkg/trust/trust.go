// Package trust verifies artifact provenance. Every bundle carries an
// ed25519 signature over its raw bytes; manifests are signed over their
// JCS-canonical JSON so whitespace and key order cannot change the
// signed payload. Verification is fail-closed: no configured anchor
// means no artifact is usable.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gowebpki/jcs"
)

var (
	// ErrNoAnchor is returned when verification is attempted without a
	// configured trust anchor.
	ErrNoAnchor = errors.New("trust: no trust anchor configured (fail-closed)")

	// ErrBadSignature is returned when the signature does not verify
	// against the anchor.
	ErrBadSignature = errors.New("trust: signature verification failed")
)

// Anchor holds the platform's publisher trust root.
type Anchor struct {
	pub ed25519.PublicKey
}

// NewAnchor builds an anchor from a hex-encoded ed25519 public key.
func NewAnchor(pubHex string) (*Anchor, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return nil, fmt.Errorf("trust: anchor key is not hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trust: anchor key size %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return &Anchor{pub: ed25519.PublicKey(raw)}, nil
}

// LoadAnchor reads a hex-encoded public key from a file.
func LoadAnchor(path string) (*Anchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read anchor %s: %w", path, err)
	}
	return NewAnchor(string(data))
}

// VerifyArtifact checks a hex-encoded signature over raw artifact bytes.
func (a *Anchor) VerifyArtifact(artifact []byte, sigHex string) error {
	if a == nil {
		return ErrNoAnchor
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("trust: signature is not hex: %w", err)
	}
	if !ed25519.Verify(a.pub, artifact, sig) {
		return ErrBadSignature
	}
	return nil
}

// VerifyManifest checks a signature over the JCS canonical form of the
// manifest JSON, so cosmetic re-serialization never breaks provenance.
func (a *Anchor) VerifyManifest(manifestJSON []byte, sigHex string) error {
	if a == nil {
		return ErrNoAnchor
	}
	canonical, err := jcs.Transform(manifestJSON)
	if err != nil {
		return fmt.Errorf("trust: canonicalize manifest: %w", err)
	}
	return a.VerifyArtifact(canonical, sigHex)
}

// Signer produces signatures the Anchor accepts. It lives on the
// publish path; the execution core only verifies.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh keypair. Used by the publish tooling and
// by tests that need to mint verifiable artifacts.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("trust: key generation: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// LoadSigner reads a hex-encoded ed25519 seed from a file.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read signing key %s: %w", path, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("trust: signing key is not hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("trust: seed size %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// SeedHex returns the private seed for key storage.
func (s *Signer) SeedHex() string {
	return hex.EncodeToString(s.priv.Seed())
}

// SignArtifact signs raw artifact bytes, returning a hex signature.
func (s *Signer) SignArtifact(artifact []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, artifact))
}

// SignManifest signs the JCS canonical form of manifest JSON.
func (s *Signer) SignManifest(manifestJSON []byte) (string, error) {
	canonical, err := jcs.Transform(manifestJSON)
	if err != nil {
		return "", fmt.Errorf("trust: canonicalize manifest: %w", err)
	}
	return s.SignArtifact(canonical), nil
}

// PublicKeyHex returns the signer's public key, suitable for use as a
// trust anchor.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}
