package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentrygate/sentrygate/internal/admission"
	"github.com/sentrygate/sentrygate/internal/jsonrpc"
)

// HTTPRelay listens for JSON-RPC-over-HTTP calls, admits and rate-limits
// the caller, runs the decision core, and forwards to a configured
// upstream URL, relaying either a JSON or an SSE response.
type HTTPRelay struct {
	core        *Core
	upstream    string
	authStore   *admission.Store
	limiter     *admission.Limiter
	requireAuth bool
	client      *http.Client
}

// NewHTTPRelay creates an HTTP transport bound to core and the configured
// upstream URL. authStore may be nil (e.g. for a fully localhost,
// single-tenant deployment): a presented bearer token is then not checked
// and the caller is treated as anonymous, while requireAuth still rejects
// a request that carries no bearer token.
func NewHTTPRelay(core *Core, upstream string, authStore *admission.Store, limiter *admission.Limiter, requireAuth bool) *HTTPRelay {
	return &HTTPRelay{
		core:        core,
		upstream:    upstream,
		authStore:   authStore,
		limiter:     limiter,
		requireAuth: requireAuth,
		client: &http.Client{
			Timeout: 0, // streaming responses may run long; no timeout is set, so an upstream call ends only when upstream finishes or the inbound request's context is cancelled.
		},
	}
}

// ServeHTTP implements the HTTP transport's wire contract.
func (h *HTTPRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeJSONBody(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	subject, err := h.admit(r)
	if err != nil {
		writeJSONRPCError(w, http.StatusUnauthorized, nil, jsonrpc.InvalidRequest, "unauthorized: "+err.Error())
		return
	}

	if h.limiter != nil {
		result := h.limiter.Check(subject.subjectID, subject.rpmOverride, time.Now())
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSecs))
			writeJSONRPCError(w, http.StatusTooManyRequests, nil, jsonrpc.InvalidRequest, "rate limit exceeded")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	msg, err := jsonrpc.Parse(body)
	if err != nil {
		h.core.RecordParseFailure()
		h.forwardRaw(w, r.Context(), body)
		return
	}

	outcome, err := h.core.DecideRequest(msg, subject.subjectID)
	if err != nil {
		h.core.Logger.Error("decision failed", "error", err)
		writeJSONRPCError(w, http.StatusInternalServerError, msg.ID, jsonrpc.InternalError, "internal decision error")
		return
	}

	if outcome.Denied {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		data, _ := jsonrpc.Serialize(outcome.Response)
		_, _ = w.Write(data)
		return
	}

	if outcome.RiskFlag {
		h.core.Logger.Warn("tool call flagged by risk engine", "tool", outcome.Tool, "server", h.core.Server)
	}

	h.forward(w, r.Context(), msg, body)
}

type admittedSubject struct {
	subjectID   string
	rpmOverride *int
}

// admit resolves the bearer token, or returns the anonymous subject when
// admission is not required and no credential was presented.
func (h *HTTPRelay) admit(r *http.Request) (admittedSubject, error) {
	authz := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	if token == authz {
		token = "" // no "Bearer " prefix present
	}

	if token == "" {
		if h.requireAuth {
			return admittedSubject{}, fmt.Errorf("missing bearer credential")
		}
		return admittedSubject{subjectID: "anonymous"}, nil
	}

	if h.authStore == nil {
		return admittedSubject{subjectID: "anonymous"}, nil
	}

	principal, err := admission.Resolve(h.authStore, token)
	if err != nil {
		return admittedSubject{}, err
	}
	return admittedSubject{subjectID: principal.Subject, rpmOverride: principal.RateLimitRPM}, nil
}

// forward sends the decided-allow request upstream and relays the reply,
// handling both application/json and text/event-stream response bodies.
func (h *HTTPRelay) forward(w http.ResponseWriter, ctx context.Context, reqMsg *jsonrpc.Message, body []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.core.Logger.Error("panic in response forwarding, attempting to still deliver upstream bytes", "panic", rec)
		}
	}()

	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.upstream, bytes.NewReader(body))
	if err != nil {
		writeJSONRPCError(w, http.StatusBadGateway, reqMsg.ID, jsonrpc.InternalError, "failed to build upstream request")
		return
	}
	outReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(outReq)
	if err != nil {
		h.core.Logger.Error("upstream request failed", "error", err, "upstream", h.upstream)
		respMsg, _ := jsonrpc.NewErrorResponse(reqMsg.ID, jsonrpc.InternalError, "upstream request failed", nil)
		h.core.RecordResponse(reqMsg, respMsg)
		writeJSONRPCError(w, http.StatusBadGateway, reqMsg.ID, jsonrpc.InternalError, "upstream request failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		h.relaySSE(w, reqMsg, resp)
		return
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		writeJSONRPCError(w, http.StatusBadGateway, reqMsg.ID, jsonrpc.InternalError, "failed to read upstream response")
		return
	}

	respMsg, parseErr := jsonrpc.Parse(respBody)
	if parseErr == nil {
		h.core.RecordResponse(reqMsg, respMsg)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// relaySSE relays server-sent-event frames as they arrive, and logs each
// complete frame's payload as its own response record for the ledger.
func (h *HTTPRelay) relaySSE(w http.ResponseWriter, reqMsg *jsonrpc.Message, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Text()
		_, _ = fmt.Fprintln(w, line)
		if ok {
			flusher.Flush()
		}

		if payload, found := strings.CutPrefix(line, "data: "); found {
			if frameMsg, err := jsonrpc.Parse([]byte(payload)); err == nil {
				h.core.RecordResponse(reqMsg, frameMsg)
			}
		}
	}
}

// forwardRaw handles a message the relay could not parse: it still must
// be forwarded, per the fail-open-on-parse-error rule.
func (h *HTTPRelay) forwardRaw(w http.ResponseWriter, ctx context.Context, body []byte) {
	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.upstream, bytes.NewReader(body))
	if err != nil {
		writeJSONBody(w, http.StatusBadGateway, map[string]string{"error": "failed to build upstream request"})
		return
	}
	outReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(outReq)
	if err != nil {
		writeJSONBody(w, http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		writeJSONBody(w, http.StatusBadGateway, map[string]string{"error": "failed to read upstream response"})
		return
	}
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("writeJSONBody: encode failed", "error", err)
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	msg, err := jsonrpc.NewErrorResponse(id, code, message, nil)
	if err != nil {
		writeJSONBody(w, status, map[string]string{"error": message})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := jsonrpc.Serialize(msg)
	_, _ = w.Write(data)
}
