package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateKeypair(t *testing.T) {
	kp, err := GenerateKeypair("ledger-key")
	if err != nil {
		t.Fatal(err)
	}
	if kp.Name != "ledger-key" {
		t.Errorf("name = %q, want %q", kp.Name, "ledger-key")
	}
	if len(kp.PublicKey) != 32 {
		t.Errorf("public key length = %d, want 32", len(kp.PublicKey))
	}
	if len(kp.PrivateKey) != 64 {
		t.Errorf("private key length = %d, want 64", len(kp.PrivateKey))
	}
}

func TestSaveAndLoadPlaintext(t *testing.T) {
	dir := t.TempDir()
	kp, err := GenerateKeypair("op")
	if err != nil {
		t.Fatal(err)
	}
	if err := kp.Save(dir); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "op.key")); err != nil {
		t.Errorf("private key file not found: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "op.pub")); err != nil {
		t.Errorf("public key file not found: %v", err)
	}

	loaded, err := LoadKeypair(dir, "op")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.PublicKey.Equal(kp.PublicKey) {
		t.Error("loaded public key doesn't match original")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	kp, _ := GenerateKeypair("op")
	canonical := []byte(`{"method":"tools/call","tool":"ReadFile","verdict":"allow"}`)

	sig := Sign(kp.PrivateKey, canonical)
	result := Verify(kp.PublicKey, canonical, sig)
	if !result.Verified {
		t.Errorf("signature should be valid, got error: %v", result.Error)
	}
	if result.Fingerprint == "" {
		t.Error("fingerprint should not be empty")
	}
}

func TestVerifyTamperedRecord(t *testing.T) {
	kp, _ := GenerateKeypair("op")
	sig := Sign(kp.PrivateKey, []byte(`{"verdict":"allow"}`))

	result := Verify(kp.PublicKey, []byte(`{"verdict":"deny"}`), sig)
	if result.Verified {
		t.Error("tampered canonical bytes should not verify")
	}
}

func TestVerifyInvalidHex(t *testing.T) {
	kp, _ := GenerateKeypair("op")
	result := Verify(kp.PublicKey, []byte("x"), "not-valid-hex!!!")
	if result.Verified {
		t.Error("invalid hex should not verify")
	}
	if result.Error == nil {
		t.Error("expected a decode error")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	kp1, _ := GenerateKeypair("op1")
	kp2, _ := GenerateKeypair("op2")

	sig := Sign(kp1.PrivateKey, []byte("payload"))
	result := Verify(kp2.PublicKey, []byte("payload"), sig)
	if result.Verified {
		t.Error("wrong key should not verify")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	kp, _ := GenerateKeypair("op")
	fp1 := Fingerprint(kp.PublicKey)
	fp2 := Fingerprint(kp.PublicKey)
	if fp1 != fp2 {
		t.Error("fingerprint should be deterministic")
	}
	if len(fp1) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(fp1))
	}
}

func TestSaveAndLoadEncrypted(t *testing.T) {
	dir := t.TempDir()
	kp, _ := GenerateKeypair("op")
	path := filepath.Join(dir, "op.key.enc")

	if err := SaveEncrypted(path, kp.PrivateKey, "correct horse battery staple"); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadEncrypted(path, "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Equal(kp.PrivateKey) {
		t.Error("decrypted private key does not match original")
	}
}

func TestLoadEncryptedWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	kp, _ := GenerateKeypair("op")
	path := filepath.Join(dir, "op.key.enc")

	if err := SaveEncrypted(path, kp.PrivateKey, "right passphrase"); err != nil {
		t.Fatal(err)
	}

	_, err := LoadEncrypted(path, "wrong passphrase")
	if err != ErrWrongPassphrase {
		t.Errorf("got %v, want ErrWrongPassphrase", err)
	}
}

func TestLoadEncryptedMalformedEnvelope(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.key.enc")
	if err := os.WriteFile(path, []byte("not-an-envelope"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadEncrypted(path, "whatever")
	if err == nil {
		t.Fatal("expected error for malformed envelope")
	}
	if err == ErrWrongPassphrase {
		t.Error("malformed envelope should be distinguishable from wrong passphrase")
	}
}
