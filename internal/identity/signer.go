package identity

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Sign signs the canonical bytes of a record's signable view and returns
// the hex-encoded Ed25519 signature, per spec.md §4.1.
func Sign(priv ed25519.PrivateKey, canonicalBytes []byte) string {
	sig := ed25519.Sign(priv, canonicalBytes)
	return hex.EncodeToString(sig)
}
