// Package admission resolves bearer tokens to a subject and enforces a
// per-subject sliding-window rate limit, ahead of policy and risk
// evaluation.
package admission

// SubjectType distinguishes how a request was authenticated.
type SubjectType string

const (
	SubjectAPIKey  SubjectType = "api_key"
	SubjectSession SubjectType = "session"
)

// ApiKey is a long-lived credential. RawSecret is never persisted — only
// its SHA-256 hex digest is stored, and the raw value is shown to the
// operator exactly once, at creation.
type ApiKey struct {
	ID          string // short public handle, prefixed "qk_"
	SecretHash  string // sha256_hex(raw secret)
	OwnerID     string
	Label       string
	Scopes      string // comma-joined
	CreatedAt   string // RFC-3339
	ExpiresAt   *string
	Revoked     bool
	RPMOverride *int
}

// Session is a short-lived credential minted for one authenticated subject.
type Session struct {
	Token      string // opaque, used directly as the bearer token
	SubjectID  string
	AuthMethod string
	Scopes     string
	IssuedAt   string
	ExpiresAt  string
	Revoked    bool
}

// Principal is what a successful bearer resolution returns.
type Principal struct {
	Type          SubjectType
	Subject       string
	Scopes        string
	RateLimitRPM  *int // nil means "use the global default"
}
