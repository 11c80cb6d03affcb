package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sentrygate/sentrygate/internal/admission"
	"github.com/sentrygate/sentrygate/internal/policy"
	"github.com/sentrygate/sentrygate/internal/risk"
)

func TestHTTPRelay_DeniedCallReturns200WithErrorBody(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{
			{Server: "*", Default: policy.Deny, Tools: []policy.ToolRule{}},
		},
	})
	core, _ := newTestCore(t, pol, risk.Thresholds{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be reached for a denied call")
	}))
	defer upstream.Close()

	relay := NewHTTPRelay(core, upstream.URL, nil, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"AnyTool"},"id":1}`))
	w := httptest.NewRecorder()
	relay.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (denial is a JSON-RPC error body, not an HTTP error)", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"message":"tool call denied by policy"`) {
		t.Errorf("body = %s, want the exact denial message", w.Body.String())
	}
}

func TestHTTPRelay_RequiresAuthWhenConfigured(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{{Server: "*", Default: policy.Allow, Tools: []policy.ToolRule{}}},
	})
	core, _ := newTestCore(t, pol, risk.Thresholds{})

	relay := NewHTTPRelay(core, "http://unused.invalid", nil, nil, true)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	w := httptest.NewRecorder()
	relay.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a missing bearer credential", w.Code)
	}
}

func TestHTTPRelay_RateLimitReturns429WithRetryAfter(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{{Server: "*", Default: policy.Allow, Tools: []policy.ToolRule{}}},
	})
	core, _ := newTestCore(t, pol, risk.Thresholds{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{},"id":1}`))
	}))
	defer upstream.Close()

	limiter := admission.NewLimiter(1, 0)
	relay := NewHTTPRelay(core, upstream.URL, nil, limiter, false)

	body := `{"jsonrpc":"2.0","method":"tools/list","id":1}`
	req1 := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w1 := httptest.NewRecorder()
	relay.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w2 := httptest.NewRecorder()
	relay.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header on the 429 response")
	}
}

func TestHTTPRelay_AllowedCallForwardsToUpstream(t *testing.T) {
	pol := mustCompile(t, &policy.Policy{
		Version: 1,
		Servers: []policy.ServerPolicy{{Server: "*", Default: policy.Allow, Tools: []policy.ToolRule{}}},
	})
	core, _ := newTestCore(t, pol, risk.Thresholds{})

	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{"ok":true},"id":9}`))
	}))
	defer upstream.Close()

	relay := NewHTTPRelay(core, upstream.URL, nil, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"ReadFile"},"id":9}`))
	w := httptest.NewRecorder()
	relay.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(gotBody, "ReadFile") {
		t.Errorf("expected upstream to receive the original body, got %q", gotBody)
	}
	if !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Errorf("expected the upstream result to be relayed back, got %s", w.Body.String())
	}
}
