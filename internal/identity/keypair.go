// Package identity provides the Ed25519 key material used to sign and
// verify audit records, plus the at-rest encryption of the operator's
// private key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sentrygate/sentrygate/internal/safefile"
)

// Keypair holds the operator's Ed25519 signing key.
type Keypair struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 key pair.
func GenerateKeypair(name string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Keypair{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// Save writes the keypair to disk as PEM files: <dir>/<name>.key (private,
// mode 0600, plaintext) and <dir>/<name>.pub (public, mode 0644). Use
// SaveEncrypted instead when the private key should be AEAD-enveloped.
func (kp *Keypair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}

	privBlock := &pem.Block{Type: "SENTRYGATE ED25519 PRIVATE KEY", Bytes: kp.PrivateKey}
	privPath := filepath.Join(dir, kp.Name+".key")
	if err := safefile.WriteFileAtomic(privPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubBlock := &pem.Block{Type: "SENTRYGATE ED25519 PUBLIC KEY", Bytes: kp.PublicKey}
	pubPath := filepath.Join(dir, kp.Name+".pub")
	if err := safefile.WriteFileAtomic(pubPath, pem.EncodeToMemory(pubBlock), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// SavePublicOnly writes just the public half, for callers that store the
// private half separately (e.g. as an AEAD envelope via SaveEncrypted).
func (kp *Keypair) SavePublicOnly(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}
	pubBlock := &pem.Block{Type: "SENTRYGATE ED25519 PUBLIC KEY", Bytes: kp.PublicKey}
	pubPath := filepath.Join(dir, kp.Name+".pub")
	if err := safefile.WriteFileAtomic(pubPath, pem.EncodeToMemory(pubBlock), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadKeypair loads a plaintext PEM keypair from disk. Key files must not
// be symlinks and must not exceed 64 KB.
func LoadKeypair(dir, name string) (*Keypair, error) {
	privPath := filepath.Join(dir, name+".key")
	privPEM, err := safefile.ReadFileMax(privPath, 64*1024)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, fmt.Errorf("invalid PEM in %s", privPath)
	}
	priv := ed25519.PrivateKey(privBlock.Bytes)

	pub, err := LoadPublicKey(dir, name)
	if err != nil {
		pub = priv.Public().(ed25519.PublicKey)
	}

	return &Keypair{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// LoadPublicKey loads only the public key from disk.
func LoadPublicKey(dir, name string) (ed25519.PublicKey, error) {
	pubPath := filepath.Join(dir, name+".pub")
	pubPEM, err := safefile.ReadFileMax(pubPath, 64*1024)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("invalid PEM in %s", pubPath)
	}
	return ed25519.PublicKey(pubBlock.Bytes), nil
}

// Fingerprint returns the first 16 hex characters of the SHA-256 digest of
// the public key body, per spec.md §4.1.
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])[:16]
}

// ParsePublicKeyPEM decodes a PEM-encoded Ed25519 public key, as embedded
// verbatim in every ledger record.
func ParsePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM public key")
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong length: %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}
