package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrUnauthorized is returned when a bearer token resolves to neither a
// valid session nor a valid api key.
var ErrUnauthorized = errors.New("admission: invalid or expired credential")

// Resolve implements the bearer-token resolution algorithm: try token as a
// session id first, then fall back to a SHA-256-hashed api-key lookup.
func Resolve(store *Store, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	sess, err := store.LookupSession(token)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if sess.Revoked {
			return nil, ErrUnauthorized
		}
		expires, err := time.Parse(time.RFC3339, sess.ExpiresAt)
		if err == nil && time.Now().UTC().After(expires) {
			return nil, ErrUnauthorized
		}
		return &Principal{
			Type:    SubjectSession,
			Subject: sess.SubjectID,
			Scopes:  sess.Scopes,
		}, nil
	}

	hash := sha256.Sum256([]byte(token))
	key, err := store.LookupApiKeyByHash(hex.EncodeToString(hash[:]))
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrUnauthorized
	}
	if key.Revoked {
		return nil, ErrUnauthorized
	}
	if key.ExpiresAt != nil {
		expires, err := time.Parse(time.RFC3339, *key.ExpiresAt)
		if err == nil && time.Now().UTC().After(expires) {
			return nil, ErrUnauthorized
		}
	}

	return &Principal{
		Type:         SubjectAPIKey,
		Subject:      key.ID,
		Scopes:       key.Scopes,
		RateLimitRPM: key.RPMOverride,
	}, nil
}
