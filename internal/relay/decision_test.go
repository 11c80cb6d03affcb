package relay

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/sentrygate/sentrygate/internal/identity"
	"github.com/sentrygate/sentrygate/internal/jsonrpc"
	"github.com/sentrygate/sentrygate/internal/ledger"
	"github.com/sentrygate/sentrygate/internal/policy"
	"github.com/sentrygate/sentrygate/internal/risk"
)

func newTestCore(t *testing.T, pol *policy.Evaluator, riskThresholds risk.Thresholds) (*Core, *ledger.Store) {
	t.Helper()

	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	kp, err := identity.GenerateKeypair("test")
	if err != nil {
		t.Fatal(err)
	}
	logger, err := ledger.NewLogger(store, kp.PrivateKey, kp.PublicKey, pol.Hash())
	if err != nil {
		t.Fatal(err)
	}

	behaviorStore, err := risk.NewSQLiteBehaviorStore(filepath.Join(t.TempDir(), "behavior.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = behaviorStore.Close() })

	riskEngine, err := risk.NewEngine(nil, riskThresholds, behaviorStore, 5*60*1000)
	if err != nil {
		t.Fatal(err)
	}

	core := &Core{
		Server: "builder-mcp",
		Policy: pol,
		Risk:   riskEngine,
		Ledger: logger,
		Logger: slog.Default(),
		NowMs:  func() int64 { return 1000 },
	}
	return core, store
}

func mustCompile(t *testing.T, p *policy.Policy) *policy.Evaluator {
	t.Helper()
	e, err := policy.Compile(p)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestDecideRequest_S1_SpecificToolDeniedByPolicy(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{
			{Server: "builder-mcp", Default: policy.Allow, Tools: []policy.ToolRule{
				{Pattern: "MechanicRunTool", Action: policy.Deny},
			}},
			{Server: "*", Default: policy.Allow, Tools: []policy.ToolRule{}},
		},
	})
	core, store := newTestCore(t, pol, risk.Thresholds{})

	msg, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"MechanicRunTool","arguments":{}},"id":1}`))
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := core.DecideRequest(msg, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Denied {
		t.Fatal("expected the call to be denied")
	}
	if outcome.Response.Error.Code != jsonrpc.InvalidRequest {
		t.Errorf("code = %d, want %d", outcome.Response.Error.Code, jsonrpc.InvalidRequest)
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d ledger records, want 2 (request + synthetic response)", len(records))
	}
	if records[0].Verdict != ledger.VerdictDeny || records[1].Verdict != ledger.VerdictDeny {
		t.Errorf("expected both records to carry verdict=deny, got %v and %v", records[0].Verdict, records[1].Verdict)
	}
}

func TestDecideRequest_S2_FallbackWildcardAllows(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{
			{Server: "builder-mcp", Default: policy.Allow, Tools: []policy.ToolRule{
				{Pattern: "MechanicRunTool", Action: policy.Deny},
			}},
			{Server: "*", Default: policy.Allow, Tools: []policy.ToolRule{}},
		},
	})
	core, _ := newTestCore(t, pol, risk.Thresholds{})
	core.Server = "unknown-server"

	msg, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"SomeTool"},"id":2}`))
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := core.DecideRequest(msg, "agent-b")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Denied {
		t.Fatal("expected the call to be allowed via the wildcard server")
	}
}

func TestDecideRequest_S3_NoServerMatchIsFailClosed(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{
			{Server: "only-this", Default: policy.Allow, Tools: []policy.ToolRule{}},
		},
	})
	core, _ := newTestCore(t, pol, risk.Thresholds{})
	core.Server = "other"

	msg, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"AnyTool"},"id":3}`))
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := core.DecideRequest(msg, "agent-c")
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Denied {
		t.Fatal("expected fail-closed denial when no server pattern matches")
	}
}

func TestDecideRequest_RiskDenialCarriesScoreOnRecords(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{
			{Server: "*", Default: policy.Allow, Tools: []policy.ToolRule{}},
		},
	})
	core, store := newTestCore(t, pol, risk.Thresholds{Deny: 70})

	msg, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"DeleteFile","arguments":{"cmd":"rm -rf /"}},"id":4}`))
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := core.DecideRequest(msg, "agent-d")
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Denied {
		t.Fatal("expected the risk engine to deny this call")
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if records[0].RiskScore == nil {
		t.Fatal("expected the request record to carry a risk_score")
	}
}

func TestDecideRequest_LedgerFailClosedAfterFiveConsecutiveWriteFailures(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{
			{Server: "*", Default: policy.Allow, Tools: []policy.ToolRule{}},
		},
	})
	core, store := newTestCore(t, pol, risk.Thresholds{})

	// Force every subsequent ledger write to fail.
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	msg, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"AnyTool"},"id":6}`))
	if err != nil {
		t.Fatal(err)
	}

	// Each allowed tool call makes exactly one ledger write attempt, so the
	// Nth call is the one whose failure trips the counter to the limit —
	// it is itself let through fail-open, since the fail-closed check runs
	// before that call's own write.
	for i := 0; i < ledgerFailOpenLimit; i++ {
		outcome, err := core.DecideRequest(msg, "agent-f")
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Denied {
			t.Fatalf("call %d: expected fail-open while reaching the consecutive-failure limit", i+1)
		}
	}
	if !core.LedgerFailClosed() {
		t.Fatal("expected Core to report fail-closed after the limit is reached")
	}

	// The next tool call is denied before policy/risk evaluation runs.
	outcome, err := core.DecideRequest(msg, "agent-f")
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Denied {
		t.Fatal("expected calls to keep failing closed once tripped")
	}
}

func TestDecideRequest_NonToolCallIsPassthrough(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{
			{Server: "*", Default: policy.Deny, Tools: []policy.ToolRule{}},
		},
	})
	core, store := newTestCore(t, pol, risk.Thresholds{})

	msg, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","method":"tools/list","id":5}`))
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := core.DecideRequest(msg, "agent-e")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Denied {
		t.Fatal("expected tools/list to pass through even under a deny-default policy")
	}

	records, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Verdict != ledger.VerdictPassthrough {
		t.Fatalf("expected a single passthrough record, got %+v", records)
	}
}
