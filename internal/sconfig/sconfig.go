// Package sconfig resolves the environment variables and on-disk layout
// the relay needs to find its policy, keys, and databases, per spec.md §6.
package sconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variable names, per spec.md §6 ("a single variable names
// the data directory; another optionally supplies the keystore passphrase").
const (
	EnvDataDir       = "SENTRYGATE_DATA_DIR"
	EnvKeyPassphrase = "SENTRYGATE_KEY_PASSPHRASE"
)

// KeyName is the fixed name of the operator's signing keypair within the
// keys directory: keys/sentrygate.key and keys/sentrygate.pub.
const KeyName = "sentrygate"

// Layout resolves the persisted-state paths under a single data directory.
type Layout struct {
	DataDir string
}

// Resolve reads SENTRYGATE_DATA_DIR from the environment, defaulting to
// dataDirFlag if set (a --data-dir flag takes precedence over the
// environment when both are present), or "./sentrygate-data" if neither is.
func Resolve(dataDirFlag string) (*Layout, error) {
	dir := dataDirFlag
	if dir == "" {
		dir = os.Getenv(EnvDataDir)
	}
	if dir == "" {
		dir = "./sentrygate-data"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}
	return &Layout{DataDir: abs}, nil
}

// EnsureDirs creates the data directory and its keys subdirectory if they
// do not already exist.
func (l *Layout) EnsureDirs() error {
	if err := os.MkdirAll(l.KeysDir(), 0o700); err != nil {
		return fmt.Errorf("creating keys dir: %w", err)
	}
	return nil
}

// KeysDir is where private/public key PEM files live.
func (l *Layout) KeysDir() string {
	return filepath.Join(l.DataDir, "keys")
}

// PolicyPath is where the policy document lives.
func (l *Layout) PolicyPath() string {
	return filepath.Join(l.DataDir, "policy.json")
}

// LedgerDBPath is the audit ledger's SQLite file.
func (l *Layout) LedgerDBPath() string {
	return filepath.Join(l.DataDir, "audit.db")
}

// BehaviorDBPath is the risk engine's per-subject behavior-event store.
func (l *Layout) BehaviorDBPath() string {
	return filepath.Join(l.DataDir, "behavior.db")
}

// AuthDBPath is the admission layer's API-key and session store.
func (l *Layout) AuthDBPath() string {
	return filepath.Join(l.DataDir, "auth.db")
}

// KeyPassphrase reads the optional keystore passphrase from the
// environment. An empty return means the private key is stored in
// plaintext PEM rather than an AEAD envelope.
func KeyPassphrase() string {
	return os.Getenv(EnvKeyPassphrase)
}
