package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// VerifyResult captures the outcome of a signature check.
type VerifyResult struct {
	Verified    bool
	Fingerprint string
	Error       error
}

// Verify checks a hex-encoded Ed25519 signature over canonicalBytes.
func Verify(pub ed25519.PublicKey, canonicalBytes []byte, sigHex string) VerifyResult {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return VerifyResult{Error: fmt.Errorf("invalid hex signature: %w", err)}
	}

	fp := Fingerprint(pub)
	if !ed25519.Verify(pub, canonicalBytes, sigBytes) {
		return VerifyResult{Verified: false, Fingerprint: fp, Error: fmt.Errorf("signature verification failed")}
	}
	return VerifyResult{Verified: true, Fingerprint: fp}
}
