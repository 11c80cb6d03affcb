package ledger

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	server TEXT NOT NULL,
	direction TEXT NOT NULL,
	method TEXT NOT NULL,
	msg_id TEXT,
	tool TEXT,
	arguments_json TEXT,
	response_json TEXT,
	verdict TEXT NOT NULL,
	risk_score INTEGER,
	risk_level TEXT,
	policy_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	nonce TEXT NOT NULL,
	signature TEXT NOT NULL,
	public_key_pem TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_server ON audit_log(server);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool);
CREATE INDEX IF NOT EXISTS idx_audit_verdict ON audit_log(verdict);
`

// Store is the sqlite-backed ledger. Every mutating operation goes through
// InsertAtomic; writeMu serializes the read-last-signature-then-insert
// critical section so two concurrent writers cannot both build a record
// against the same prev_hash (spec.md §4.2, testable property 9).
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewStore opens (or creates) the ledger database with WAL enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertAtomic reads the highest-id record's signature (or "" if the
// ledger is empty), passes it to build, and inserts the record build
// returns — all inside one transaction, serialized against other callers
// by writeMu, so no two records can claim the same prev_hash.
func (s *Store) InsertAtomic(build func(prevSignature string) (Record, error)) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}

	var prevSig string
	row := tx.QueryRow(`SELECT signature FROM audit_log ORDER BY id DESC LIMIT 1`)
	switch err := row.Scan(&prevSig); {
	case err == sql.ErrNoRows:
		prevSig = ""
	case err != nil:
		_ = tx.Rollback()
		return 0, fmt.Errorf("reading previous signature: %w", err)
	}

	rec, err := build(prevSig)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("building record: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO audit_log (timestamp, server, direction, method, msg_id, tool, arguments_json, response_json, verdict, risk_score, risk_level, policy_hash, prev_hash, nonce, signature, public_key_pem)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Server, string(rec.Direction), rec.Method, rec.MsgID, rec.Tool,
		rec.ArgumentsJSON, rec.ResponseJSON, string(rec.Verdict), rec.RiskScore, rec.RiskLevel,
		rec.PolicyHash, rec.PrevHash, rec.Nonce, rec.Signature, rec.PublicKeyPEM,
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("inserting record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("reading assigned id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return id, nil
}

// GetByID fetches a single record by its assigned id.
func (s *Store) GetByID(id int64) (*Record, error) {
	row := s.db.QueryRow(selectColumns+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching record %d: %w", id, err)
	}
	return rec, nil
}

// GetAll returns every record in ascending id order, for chain verification.
func (s *Store) GetAll() ([]Record, error) {
	rows, err := s.db.Query(selectColumns + " ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("querying all records: %w", err)
	}
	return scanRecords(rows)
}

// GetLast returns the n most recently appended records, newest first.
func (s *Store) GetLast(n int) ([]Record, error) {
	rows, err := s.db.Query(selectColumns+" ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("querying last records: %w", err)
	}
	return scanRecords(rows)
}

// QueryOpts filters Query results.
type QueryOpts struct {
	Server  string
	Tool    string
	Verdict string
	SinceTS string
	Limit   int
}

// Query returns records matching the given indexed filters.
func (s *Store) Query(opts QueryOpts) ([]Record, error) {
	q := selectColumns + " WHERE 1=1"
	var args []any

	if opts.Server != "" {
		q += " AND server = ?"
		args = append(args, opts.Server)
	}
	if opts.Tool != "" {
		q += " AND tool = ?"
		args = append(args, opts.Tool)
	}
	if opts.Verdict != "" {
		q += " AND verdict = ?"
		args = append(args, opts.Verdict)
	}
	if opts.SinceTS != "" {
		q += " AND timestamp >= ?"
		args = append(args, opts.SinceTS)
	}
	q += " ORDER BY id DESC"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		q += " LIMIT 100"
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	return scanRecords(rows)
}

// Count returns the total number of records in the ledger.
func (s *Store) Count() (int64, error) {
	var count int64
	row := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// GetAfterID returns up to batch records with id > id, ascending, for an
// external sync uploader's incremental read.
func (s *Store) GetAfterID(id int64, batch int) ([]Record, error) {
	rows, err := s.db.Query(selectColumns+" WHERE id > ? ORDER BY id ASC LIMIT ?", id, batch)
	if err != nil {
		return nil, fmt.Errorf("querying records after id %d: %w", id, err)
	}
	return scanRecords(rows)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, timestamp, server, direction, method, msg_id, tool, arguments_json, response_json, verdict, risk_score, risk_level, policy_hash, prev_hash, nonce, signature, public_key_pem FROM audit_log`

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var r Record
	var direction, verdict string
	var msgID, tool, argsJSON, respJSON, riskLevel sql.NullString
	var riskScore sql.NullInt64

	if err := row.Scan(&r.ID, &r.Timestamp, &r.Server, &direction, &r.Method, &msgID, &tool,
		&argsJSON, &respJSON, &verdict, &riskScore, &riskLevel, &r.PolicyHash, &r.PrevHash,
		&r.Nonce, &r.Signature, &r.PublicKeyPEM); err != nil {
		return nil, err
	}

	r.Direction = Direction(direction)
	r.Verdict = Verdict(verdict)
	r.MsgID = nullStringPtr(msgID)
	r.Tool = nullStringPtr(tool)
	r.ArgumentsJSON = nullStringPtr(argsJSON)
	r.ResponseJSON = nullStringPtr(respJSON)
	r.RiskLevel = nullStringPtr(riskLevel)
	if riskScore.Valid {
		v := int(riskScore.Int64)
		r.RiskScore = &v
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
