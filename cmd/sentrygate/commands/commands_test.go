package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentrygate/sentrygate/internal/sconfig"
)

func withDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dataDirFlag = dir
	t.Cleanup(func() { dataDirFlag = "" })
	return dir
}

func writePolicy(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "policy.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const validPolicy = `{
	"version": 1,
	"data_dir": "",
	"servers": [
		{"server": "*", "default": "allow", "tools": []}
	]
}`

func TestVerifyCmd_AcceptsAValidPolicy(t *testing.T) {
	dir := withDataDir(t)
	writePolicy(t, dir, validPolicy)

	cmd := newVerifyCmd()
	cmd.SetArgs(nil)
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyCmd_RejectsAMalformedPolicy(t *testing.T) {
	dir := withDataDir(t)
	writePolicy(t, dir, `{"version": 2, "servers": []}`)

	cmd := newVerifyCmd()
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for version != 1")
	}
}

func TestKeygenCmd_WritesKeyFilesUnderDataDir(t *testing.T) {
	dir := withDataDir(t)

	cmd := newKeygenCmd()
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "keys", "sentrygate.key")); err != nil {
		t.Errorf("private key not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keys", "sentrygate.pub")); err != nil {
		t.Errorf("public key not written: %v", err)
	}
}

func TestKeygenCmd_EncryptsWithPassphrase(t *testing.T) {
	dir := withDataDir(t)

	cmd := newKeygenCmd()
	cmd.SetArgs([]string{"--passphrase", "s3cr3t"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "keys", "sentrygate.key"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("SNTRY1:")) {
		n := len(data)
		if n > 20 {
			n = 20
		}
		t.Errorf("expected an AEAD-enveloped private key, got %q", data[:n])
	}
}

func TestApikeyCreateAndList(t *testing.T) {
	withDataDir(t)

	create := newApikeyCreateCmd()
	create.SetArgs([]string{"--owner", "ops", "--label", "ci"})
	if err := create.Execute(); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	list := newApikeyListCmd()
	var out bytes.Buffer
	list.SetOut(&out)
	if err := list.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}
}

func TestLoadOrCreateKeypair_MissingPassphraseForEncryptedKeyIsFatal(t *testing.T) {
	dir := withDataDir(t)

	keygen := newKeygenCmd()
	keygen.SetArgs([]string{"--passphrase", "s3cr3t"})
	if err := keygen.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	keyPath := filepath.Join(dir, "keys", "sentrygate.key")
	before, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}

	layout, err := sconfig.Resolve(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a reload, such as "serve", without SENTRYGATE_KEY_PASSPHRASE set.
	if _, err := loadOrCreateKeypair(layout); err == nil {
		t.Fatal("expected a fatal error when the passphrase is missing for an encrypted key")
	}

	after, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("the original encrypted private key must not be overwritten")
	}
}

func TestLoadOrCreateKeypair_WrongPassphraseForEncryptedKeyIsFatal(t *testing.T) {
	dir := withDataDir(t)
	t.Setenv(sconfig.EnvKeyPassphrase, "s3cr3t")

	keygen := newKeygenCmd()
	if err := keygen.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	keyPath := filepath.Join(dir, "keys", "sentrygate.key")
	before, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}

	layout, err := sconfig.Resolve(dir)
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv(sconfig.EnvKeyPassphrase, "wrong-passphrase")
	if _, err := loadOrCreateKeypair(layout); err == nil {
		t.Fatal("expected a fatal error for a wrong passphrase")
	}

	after, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("the original encrypted private key must not be overwritten")
	}
}

func TestLedgerVerifyChain_EmptyLedgerIsIntact(t *testing.T) {
	withDataDir(t)

	cmd := newLedgerVerifyCmd()
	if err := cmd.Execute(); err != nil {
		t.Fatalf("verify-chain failed on an empty ledger: %v", err)
	}
}
