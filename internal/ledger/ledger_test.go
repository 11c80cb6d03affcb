package ledger

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/sentrygate/sentrygate/internal/identity"
)

func newTestLogger(t *testing.T) (*Logger, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	kp, err := identity.GenerateKeypair("test")
	if err != nil {
		t.Fatal(err)
	}

	logger, err := NewLogger(store, kp.PrivateKey, kp.PublicKey, "policyhash123")
	if err != nil {
		t.Fatal(err)
	}
	return logger, store
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestAppend_SignAndVerifyRoundTrip(t *testing.T) {
	logger, _ := newTestLogger(t)

	rec, err := logger.Append(Fields{
		Server:    "filesystem",
		Direction: DirectionRequest,
		Method:    "tools/call",
		Tool:      strp("ReadFile"),
		Verdict:   VerdictAllow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == 0 {
		t.Error("expected a non-zero assigned id")
	}
	if rec.Signature == "" {
		t.Error("expected a signature")
	}
	if rec.PrevHash != "" {
		t.Errorf("prev_hash = %q, want empty for the first record", rec.PrevHash)
	}

	brokenAt, reason := VerifyChain([]Record{rec})
	if brokenAt != -1 {
		t.Errorf("VerifyChain failed at %d: %s", brokenAt, reason)
	}
}

func TestAppend_HashChainContinuity(t *testing.T) {
	logger, store := newTestLogger(t)

	for i := 0; i < 5; i++ {
		if _, err := logger.Append(Fields{
			Server:    "filesystem",
			Direction: DirectionRequest,
			Method:    "tools/call",
			Tool:      strp("ReadFile"),
			Verdict:   VerdictAllow,
		}); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}

	brokenAt, reason := VerifyChain(records)
	if brokenAt != -1 {
		t.Fatalf("VerifyChain failed at %d: %s", brokenAt, reason)
	}

	for i := 1; i < len(records); i++ {
		if records[i].PrevHash == "" {
			t.Errorf("record %d has empty prev_hash", i)
		}
	}
}

func TestVerifyChain_DetectsTamperedField(t *testing.T) {
	logger, store := newTestLogger(t)

	if _, err := logger.Append(Fields{
		Server:    "filesystem",
		Direction: DirectionRequest,
		Method:    "tools/call",
		Tool:      strp("ReadFile"),
		Verdict:   VerdictAllow,
	}); err != nil {
		t.Fatal(err)
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}

	records[0].Verdict = VerdictDeny // tamper after the fact, signature now stale

	brokenAt, reason := VerifyChain(records)
	if brokenAt != 0 {
		t.Fatalf("expected tamper to be caught at record 0, got brokenAt=%d reason=%s", brokenAt, reason)
	}
}

func TestVerifyChain_DetectsTamperedRiskScore(t *testing.T) {
	logger, store := newTestLogger(t)

	if _, err := logger.Append(Fields{
		Server:    "filesystem",
		Direction: DirectionRequest,
		Method:    "tools/call",
		Tool:      strp("DeleteFile"),
		Verdict:   VerdictAllow,
		RiskScore: intp(65),
		RiskLevel: strp("high"),
	}); err != nil {
		t.Fatal(err)
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}

	records[0].RiskScore = intp(10)

	brokenAt, _ := VerifyChain(records)
	if brokenAt != 0 {
		t.Fatalf("expected risk_score tamper to be caught, got brokenAt=%d", brokenAt)
	}
}

func TestVerifyChain_DetectsBrokenPrevHash(t *testing.T) {
	logger, store := newTestLogger(t)

	for i := 0; i < 3; i++ {
		if _, err := logger.Append(Fields{
			Server:    "filesystem",
			Direction: DirectionRequest,
			Method:    "tools/call",
			Tool:      strp("ReadFile"),
			Verdict:   VerdictAllow,
		}); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}

	records[2].PrevHash = "deadbeef"

	brokenAt, _ := VerifyChain(records)
	if brokenAt != 2 {
		t.Fatalf("expected broken link at record 2, got %d", brokenAt)
	}
}

func TestAppend_ConcurrentWritersProduceContiguousChain(t *testing.T) {
	logger, store := newTestLogger(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := logger.Append(Fields{
				Server:    "filesystem",
				Direction: DirectionRequest,
				Method:    "tools/call",
				Tool:      strp("ReadFile"),
				Verdict:   VerdictAllow,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != n {
		t.Fatalf("got %d records, want %d", len(records), n)
	}

	for i, rec := range records {
		if rec.ID != int64(i+1) {
			t.Errorf("record %d has id %d, want contiguous ids starting at 1", i, rec.ID)
		}
	}

	brokenAt, reason := VerifyChain(records)
	if brokenAt != -1 {
		t.Fatalf("VerifyChain failed at %d: %s", brokenAt, reason)
	}
}

func TestSetPolicyHash_AffectsSubsequentRecords(t *testing.T) {
	logger, store := newTestLogger(t)

	if _, err := logger.Append(Fields{Server: "fs", Direction: DirectionRequest, Method: "tools/call", Verdict: VerdictAllow}); err != nil {
		t.Fatal(err)
	}
	logger.SetPolicyHash("newhash456")
	if _, err := logger.Append(Fields{Server: "fs", Direction: DirectionRequest, Method: "tools/call", Verdict: VerdictAllow}); err != nil {
		t.Fatal(err)
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if records[0].PolicyHash != "policyhash123" {
		t.Errorf("record 0 policy_hash = %q, want policyhash123", records[0].PolicyHash)
	}
	if records[1].PolicyHash != "newhash456" {
		t.Errorf("record 1 policy_hash = %q, want newhash456", records[1].PolicyHash)
	}

	brokenAt, reason := VerifyChain(records)
	if brokenAt != -1 {
		t.Fatalf("VerifyChain failed at %d: %s", brokenAt, reason)
	}
}
