package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentrygate/sentrygate/internal/identity"
)

// Fields carries the caller-supplied parts of one ledger entry. The
// remaining fields — timestamp, nonce, prev_hash, signature — are
// computed by Logger.Append.
type Fields struct {
	Server        string
	Direction     Direction
	Method        string
	MsgID         *string
	Tool          *string
	ArgumentsJSON *string
	ResponseJSON  *string
	Verdict       Verdict
	RiskScore     *int
	RiskLevel     *string
}

// Logger is the AuditLogger described in spec.md §4.5: it owns the
// signing key, the current policy hash, and the underlying store, and
// turns Fields into a fully signed, chained Record on every call.
type Logger struct {
	store      *Store
	priv       ed25519.PrivateKey
	pubPEM     string
	policyHash string
}

// NewLogger wires a store, signing key, and the policy hash currently in
// force. pub is PEM-encoded and embedded verbatim in every record so a
// verifier can check signatures without a separate key lookup.
func NewLogger(store *Store, priv ed25519.PrivateKey, pub ed25519.PublicKey, policyHash string) (*Logger, error) {
	block := &pem.Block{Type: "SENTRYGATE ED25519 PUBLIC KEY", Bytes: pub}
	pubPEM := string(pem.EncodeToMemory(block))
	return &Logger{store: store, priv: priv, pubPEM: pubPEM, policyHash: policyHash}, nil
}

// SetPolicyHash updates the hash embedded in future records, so a policy
// reload is reflected in the ledger without restarting the process.
func (l *Logger) SetPolicyHash(hash string) {
	l.policyHash = hash
}

// Append builds, signs, chains, and persists one record, returning the
// record as actually stored (with its assigned id).
func (l *Logger) Append(f Fields) (Record, error) {
	var stored Record

	id, err := l.store.InsertAtomic(func(prevSignature string) (Record, error) {
		prevHash := ""
		if prevSignature != "" {
			sum := sha256.Sum256([]byte(prevSignature))
			prevHash = hex.EncodeToString(sum[:])
		}

		nonce, err := uuid.NewRandom()
		if err != nil {
			return Record{}, fmt.Errorf("generating nonce: %w", err)
		}

		rec := Record{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Server:        f.Server,
			Direction:     f.Direction,
			Method:        f.Method,
			MsgID:         f.MsgID,
			Tool:          f.Tool,
			ArgumentsJSON: f.ArgumentsJSON,
			ResponseJSON:  f.ResponseJSON,
			Verdict:       f.Verdict,
			RiskScore:     f.RiskScore,
			RiskLevel:     f.RiskLevel,
			PolicyHash:    l.policyHash,
			PrevHash:      prevHash,
			Nonce:         nonce.String(),
			PublicKeyPEM:  l.pubPEM,
		}

		canonical, err := Canonical(rec)
		if err != nil {
			return Record{}, fmt.Errorf("canonicalizing record: %w", err)
		}
		rec.Signature = identity.Sign(l.priv, canonical)

		stored = rec
		return rec, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("appending ledger record: %w", err)
	}

	stored.ID = id
	return stored, nil
}

// VerifyChain walks every record in id order, checking the hash chain and
// each signature against the public key embedded in that record. It
// returns the index of the first broken record, or -1 if the whole chain
// verifies.
func VerifyChain(records []Record) (brokenAt int, reason string) {
	prevSignature := ""
	for i, rec := range records {
		expectedPrevHash := ""
		if prevSignature != "" {
			sum := sha256.Sum256([]byte(prevSignature))
			expectedPrevHash = hex.EncodeToString(sum[:])
		}
		if rec.PrevHash != expectedPrevHash {
			return i, "prev_hash does not match hash of previous record's signature"
		}

		canonical, err := Canonical(rec)
		if err != nil {
			return i, fmt.Sprintf("record is not canonicalizable: %v", err)
		}

		pub, err := identity.ParsePublicKeyPEM(rec.PublicKeyPEM)
		if err != nil {
			return i, fmt.Sprintf("embedded public key is invalid: %v", err)
		}

		result := identity.Verify(pub, canonical, rec.Signature)
		if !result.Verified {
			return i, "signature does not verify"
		}

		prevSignature = rec.Signature
	}
	return -1, ""
}
