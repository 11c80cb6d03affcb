package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sentrygate/sentrygate/internal/safefile"
	"golang.org/x/crypto/scrypt"
)

// envelopeMagic prefixes every AEAD-enveloped private key file.
const envelopeMagic = "SNTRY1"

// scrypt cost parameters, fixed per spec.md §4.1 ("fixed cost parameters").
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
	nonceLen     = 12
	tagLen       = 16
)

// ErrWrongPassphrase distinguishes an AEAD authentication failure (wrong
// passphrase) from a malformed envelope, per spec.md §4.1.
var ErrWrongPassphrase = fmt.Errorf("identity: wrong passphrase or tampered envelope")

// SaveEncrypted writes priv to path as an AEAD envelope:
// MAGIC:salt_hex:iv_hex:tag_hex:ct_hex, AES-256-GCM with a scrypt-derived key.
func SaveEncrypted(path string, priv ed25519.PrivateKey, passphrase string) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, priv, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	envelope := strings.Join([]string{
		envelopeMagic,
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":")

	if err := safefile.WriteFileAtomic(path, []byte(envelope), 0o600); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

// LooksEncrypted reports whether data is an AEAD-enveloped private key
// file rather than a plaintext PEM key, by checking the envelope's magic
// prefix.
func LooksEncrypted(data []byte) bool {
	return strings.HasPrefix(string(data), envelopeMagic+":")
}

// LoadEncrypted reads and decrypts an AEAD-enveloped private key.
// Returns ErrWrongPassphrase when the envelope is well-formed but the
// AEAD tag does not verify; returns a distinct, wrapped error for a
// malformed envelope (bad magic or structure).
func LoadEncrypted(path string, passphrase string) (ed25519.PrivateKey, error) {
	raw, err := safefile.ReadFileMax(path, 4*1024)
	if err != nil {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 5 || parts[0] != envelopeMagic {
		return nil, fmt.Errorf("identity: malformed key envelope in %s", path)
	}

	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("identity: malformed salt in %s: %w", path, err)
	}
	nonce, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("identity: malformed nonce in %s: %w", path, err)
	}
	tag, err := hex.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("identity: malformed tag in %s: %w", path, err)
	}
	ct, err := hex.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("identity: malformed ciphertext in %s: %w", path, err)
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	sealed := append(ct, tag...)
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return ed25519.PrivateKey(plain), nil
}
