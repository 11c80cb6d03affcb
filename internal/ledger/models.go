// Package ledger implements the tamper-evident audit ledger: canonical
// serialization, Ed25519 signing, SHA-256 hash chaining, policy-hash
// binding, and atomic append under concurrent writers.
package ledger

import (
	"fmt"

	"github.com/sentrygate/sentrygate/internal/canon"
)

// Direction distinguishes the two record kinds the relay appends per call.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Verdict mirrors the policy/risk verdict recorded against a call.
type Verdict string

const (
	VerdictAllow       Verdict = "allow"
	VerdictDeny        Verdict = "deny"
	VerdictPassthrough Verdict = "passthrough"
	VerdictRateLimited Verdict = "rate_limited"
)

// Record is the ledger entity described in spec.md §3. Nullable fields
// are pointers; a nil pointer is the record's "absent" state, not a
// signed empty string.
type Record struct {
	ID            int64
	Timestamp     string
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
	PolicyHash    string
	PrevHash      string
	Nonce         string
	Signature     string
	PublicKeyPEM  string
}

// SignableView returns every field of r except ID and Signature, encoded
// as the restricted value types internal/canon accepts, per spec.md §3's
// signature invariant.
func SignableView(r Record) (map[string]any, error) {
	view := map[string]any{
		"timestamp":      r.Timestamp,
		"server":         r.Server,
		"direction":      string(r.Direction),
		"method":         r.Method,
		"msg_id":         nullableString(r.MsgID),
		"tool":           nullableString(r.Tool),
		"arguments_json": nullableString(r.ArgumentsJSON),
		"response_json":  nullableString(r.ResponseJSON),
		"verdict":        string(r.Verdict),
		"risk_score":     nullableInt(r.RiskScore),
		"risk_level":     nullableString(r.RiskLevel),
		"policy_hash":    r.PolicyHash,
		"prev_hash":      r.PrevHash,
		"nonce":          r.Nonce,
		"public_key_pem": r.PublicKeyPEM,
	}
	if r.Server == "" {
		return nil, fmt.Errorf("ledger: record is missing server name")
	}
	return view, nil
}

// Canonical returns the canonical JSON bytes of r's signable view — the
// exact bytes that were (or should have been) signed.
func Canonical(r Record) ([]byte, error) {
	view, err := SignableView(r)
	if err != nil {
		return nil, err
	}
	return canon.Marshal(view)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}
