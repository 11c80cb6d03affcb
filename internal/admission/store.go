package admission

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const authSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	label TEXT NOT NULL,
	scopes TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT,
	revoked INTEGER NOT NULL DEFAULT 0,
	rpm_override INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_secret_hash ON api_keys(secret_hash);

CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	auth_method TEXT NOT NULL,
	scopes TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	revoked INTEGER NOT NULL DEFAULT 0
);
`

// Store is the sqlite-backed api-key and session table, kept separate from
// the ledger database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the auth database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening auth db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(authSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating auth schema: %w", err)
	}
	return &Store{db: db}, nil
}

// GeneratedKey is returned once, at creation, and never again — the raw
// secret cannot be recovered from the store afterward.
type GeneratedKey struct {
	ApiKey
	RawSecret string
}

// CreateApiKey mints a new key: raw secret "qk_" + 64 hex chars of CSPRNG,
// persists only its SHA-256 hex digest.
func (s *Store) CreateApiKey(ownerID, label, scopes string, expiresAt *string, rpmOverride *int) (*GeneratedKey, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	raw := "qk_" + hex.EncodeToString(secretBytes)

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("generating key id: %w", err)
	}
	id := "qk_" + hex.EncodeToString(idBytes)

	hash := sha256.Sum256([]byte(raw))
	secretHash := hex.EncodeToString(hash[:])
	createdAt := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.Exec(
		`INSERT INTO api_keys (id, secret_hash, owner_id, label, scopes, created_at, expires_at, revoked, rpm_override)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, secretHash, ownerID, label, scopes, createdAt, expiresAt, rpmOverride,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting api key: %w", err)
	}

	return &GeneratedKey{
		ApiKey: ApiKey{
			ID: id, SecretHash: secretHash, OwnerID: ownerID, Label: label,
			Scopes: scopes, CreatedAt: createdAt, ExpiresAt: expiresAt, RPMOverride: rpmOverride,
		},
		RawSecret: raw,
	}, nil
}

// LookupApiKeyByHash finds a key by its secret hash, without checking
// revocation or expiry — callers apply that policy. It returns nil, nil
// when no key matches.
func (s *Store) LookupApiKeyByHash(secretHash string) (*ApiKey, error) {
	row := s.db.QueryRow(
		`SELECT id, secret_hash, owner_id, label, scopes, created_at, expires_at, revoked, rpm_override
		 FROM api_keys WHERE secret_hash = ?`, secretHash,
	)
	var k ApiKey
	var revoked int
	var expiresAt sql.NullString
	var rpmOverride sql.NullInt64
	if err := row.Scan(&k.ID, &k.SecretHash, &k.OwnerID, &k.Label, &k.Scopes, &k.CreatedAt, &expiresAt, &revoked, &rpmOverride); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	k.Revoked = revoked != 0
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.String
	}
	if rpmOverride.Valid {
		v := int(rpmOverride.Int64)
		k.RPMOverride = &v
	}
	return &k, nil
}

// ListApiKeys returns every key, newest first.
func (s *Store) ListApiKeys() ([]ApiKey, error) {
	rows, err := s.db.Query(
		`SELECT id, secret_hash, owner_id, label, scopes, created_at, expires_at, revoked, rpm_override
		 FROM api_keys ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []ApiKey
	for rows.Next() {
		var k ApiKey
		var revoked int
		var expiresAt sql.NullString
		var rpmOverride sql.NullInt64
		if err := rows.Scan(&k.ID, &k.SecretHash, &k.OwnerID, &k.Label, &k.Scopes, &k.CreatedAt, &expiresAt, &revoked, &rpmOverride); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		k.Revoked = revoked != 0
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.String
		}
		if rpmOverride.Valid {
			v := int(rpmOverride.Int64)
			k.RPMOverride = &v
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeApiKey sets the revoked bit on a key by its public id.
func (s *Store) RevokeApiKey(id string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoking api key %s: %w", id, err)
	}
	return nil
}

// SetRPMOverride updates a key's per-subject rate-limit override.
func (s *Store) SetRPMOverride(id string, rpm *int) error {
	_, err := s.db.Exec(`UPDATE api_keys SET rpm_override = ? WHERE id = ?`, rpm, id)
	if err != nil {
		return fmt.Errorf("updating rpm override for %s: %w", id, err)
	}
	return nil
}

// CreateSession inserts a new session row. The token itself is used
// directly as the bearer credential — it is opaque and high-entropy.
func (s *Store) CreateSession(token, subjectID, authMethod, scopes string, ttl time.Duration) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		Token:      token,
		SubjectID:  subjectID,
		AuthMethod: authMethod,
		Scopes:     scopes,
		IssuedAt:   now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (token, subject_id, auth_method, scopes, issued_at, expires_at, revoked) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		sess.Token, sess.SubjectID, sess.AuthMethod, sess.Scopes, sess.IssuedAt, sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// LookupSession finds a session by its token, without checking revocation
// or expiry — callers apply that policy.
func (s *Store) LookupSession(token string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT token, subject_id, auth_method, scopes, issued_at, expires_at, revoked FROM sessions WHERE token = ?`, token,
	)
	var sess Session
	var revoked int
	if err := row.Scan(&sess.Token, &sess.SubjectID, &sess.AuthMethod, &sess.Scopes, &sess.IssuedAt, &sess.ExpiresAt, &revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	sess.Revoked = revoked != 0
	return &sess, nil
}

// RevokeSession sets the revoked bit on a session by its token.
func (s *Store) RevokeSession(token string) error {
	_, err := s.db.Exec(`UPDATE sessions SET revoked = 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
