// Package relay implements the decision core shared by the line-delimited
// and HTTP transports: parse, classify, evaluate policy and risk, log to
// the ledger, forward or deny.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentrygate/sentrygate/internal/jsonrpc"
	"github.com/sentrygate/sentrygate/internal/ledger"
	"github.com/sentrygate/sentrygate/internal/policy"
	"github.com/sentrygate/sentrygate/internal/risk"
)

// ledgerFailOpenLimit and ledgerFailWindow bound how many consecutive
// ledger-write failures within a rolling window are tolerated before the
// relay stops forwarding new tool calls.
const (
	ledgerFailOpenLimit = 5
	ledgerFailWindow    = time.Minute
)

// Core is the per-message decision loop, identical for both transports.
type Core struct {
	Server string
	Policy *policy.Evaluator
	Risk   *risk.Engine
	Ledger *ledger.Logger
	Logger *slog.Logger
	NowMs  func() int64

	failMu          sync.Mutex
	failConsecutive int
	failWindowStart int64
	failClosed      bool
}

// Outcome is what the decision loop produced for one inbound message.
type Outcome struct {
	// Denied is set when the caller should receive the synthesized error
	// response in Response instead of anything from upstream.
	Denied   bool
	Response *jsonrpc.Message // only set when Denied
	Tool     string
	RiskFlag bool
}

// DecideRequest runs steps 2-4 of the per-message decision loop on an
// inbound message that has already parsed. A message that failed to
// parse (step 1) goes to RecordParseFailure instead.
func (c *Core) DecideRequest(msg *jsonrpc.Message, subjectID string) (Outcome, error) {
	call := jsonrpc.ExtractToolCall(msg)

	var tool *string
	var argsJSON *string
	if call != nil {
		name := call.Name
		tool = &name
		if len(call.Arguments) > 0 {
			s := string(call.Arguments)
			argsJSON = &s
		}
	}

	if tool != nil && c.LedgerFailClosed() {
		return c.deny(msg, tool, argsJSON, nil, nil, "audit ledger is unavailable; failing closed")
	}

	verdict := c.Policy.Evaluate(c.Server, tool)
	if verdict == policy.VerdictDeny {
		return c.deny(msg, tool, argsJSON, nil, nil, "server policy denied this tool call")
	}

	if tool == nil {
		// Passthrough: not a tools/call, nothing more to evaluate.
		if _, err := c.appendRequest(msg, tool, argsJSON, ledger.VerdictPassthrough, nil, nil); err != nil {
			c.Logger.Error("failed to append passthrough request record", "error", err)
		}
		return Outcome{}, nil
	}

	argsStr := ""
	if argsJSON != nil {
		argsStr = *argsJSON
	}
	score, err := c.Risk.Score(*tool, argsStr, subjectID, c.now())
	if err != nil {
		return Outcome{}, fmt.Errorf("scoring risk: %w", err)
	}
	riskVerdict := c.Risk.Evaluate(score)

	riskScore := score.Score
	riskLevel := string(score.Level)

	if riskVerdict == risk.VerdictDeny {
		return c.deny(msg, tool, argsJSON, &riskScore, &riskLevel, "risk engine denied this tool call")
	}

	if _, err := c.appendRequest(msg, tool, argsJSON, ledger.VerdictAllow, &riskScore, &riskLevel); err != nil {
		c.Logger.Error("failed to append request record", "error", err)
	}

	return Outcome{Tool: *tool, RiskFlag: riskVerdict == risk.VerdictFlag}, nil
}

// RecordResponse implements step 5: append the response record once the
// upstream reply is available.
func (c *Core) RecordResponse(requestMsg, responseMsg *jsonrpc.Message) {
	respJSON := ""
	if b, err := jsonrpc.Serialize(responseMsg); err == nil {
		respJSON = string(b)
	}

	msgID := idString(requestMsg.ID)

	_, err := c.appendLedger(ledger.Fields{
		Server:       c.Server,
		Direction:    ledger.DirectionResponse,
		Method:       requestMsg.Method,
		MsgID:        msgID,
		ResponseJSON: strPtr(respJSON),
		Verdict:      ledger.VerdictPassthrough,
	})
	if err != nil {
		c.Logger.Error("failed to append response record", "error", err)
	}
}

func (c *Core) deny(msg *jsonrpc.Message, tool, argsJSON *string, riskScore *int, riskLevel *string, reason string) (Outcome, error) {
	errResp, err := jsonrpc.NewDenialResponse(msg.ID, reason)
	if err != nil {
		return Outcome{}, fmt.Errorf("building denial response: %w", err)
	}

	if _, err := c.appendRequest(msg, tool, argsJSON, ledger.VerdictDeny, riskScore, riskLevel); err != nil {
		c.Logger.Error("failed to append denied request record", "error", err)
	}

	respJSON := ""
	if b, err := jsonrpc.Serialize(errResp); err == nil {
		respJSON = string(b)
	}
	_, err = c.appendLedger(ledger.Fields{
		Server:       c.Server,
		Direction:    ledger.DirectionResponse,
		Method:       msg.Method,
		MsgID:        idString(msg.ID),
		ResponseJSON: strPtr(respJSON),
		Verdict:      ledger.VerdictDeny,
		RiskScore:    riskScore,
		RiskLevel:    riskLevel,
	})
	if err != nil {
		c.Logger.Error("failed to append synthetic response record", "error", err)
	}

	return Outcome{Denied: true, Response: errResp}, nil
}

func (c *Core) appendRequest(msg *jsonrpc.Message, tool, argsJSON *string, verdict ledger.Verdict, riskScore *int, riskLevel *string) (ledger.Record, error) {
	return c.appendLedger(ledger.Fields{
		Server:        c.Server,
		Direction:     ledger.DirectionRequest,
		Method:        msg.Method,
		MsgID:         idString(msg.ID),
		Tool:          tool,
		ArgumentsJSON: argsJSON,
		Verdict:       verdict,
		RiskScore:     riskScore,
		RiskLevel:     riskLevel,
	})
}

// RecordParseFailure implements step 1: a message that failed to parse is
// still appended, as passthrough, under the synthetic method "unknown".
func (c *Core) RecordParseFailure() {
	unknown := "unknown"
	_, err := c.appendLedger(ledger.Fields{
		Server:    c.Server,
		Direction: ledger.DirectionRequest,
		Method:    unknown,
		Verdict:   ledger.VerdictPassthrough,
	})
	if err != nil {
		c.Logger.Error("failed to append parse-failure record", "error", err)
	}
}

// appendLedger writes to the audit ledger and updates the consecutive
// failure counter behind LedgerFailClosed, per the documented fail-open
// then fail-closed policy.
func (c *Core) appendLedger(f ledger.Fields) (ledger.Record, error) {
	rec, err := c.Ledger.Append(f)
	c.recordLedgerResult(err)
	return rec, err
}

func (c *Core) recordLedgerResult(err error) {
	c.failMu.Lock()
	defer c.failMu.Unlock()

	if err == nil {
		c.failConsecutive = 0
		c.failClosed = false
		return
	}

	now := c.now()
	if c.failConsecutive == 0 || now-c.failWindowStart > ledgerFailWindow.Milliseconds() {
		c.failWindowStart = now
		c.failConsecutive = 1
	} else {
		c.failConsecutive++
	}

	if c.failConsecutive >= ledgerFailOpenLimit {
		if !c.failClosed {
			c.Logger.Error("ledger write failed repeatedly within the last minute, failing closed: new tool calls will be denied until a write succeeds", "consecutive_failures", c.failConsecutive)
		}
		c.failClosed = true
	}
}

// LedgerFailClosed reports whether the ledger has failed enough
// consecutive writes within the rolling window that new tool calls
// should be denied rather than forwarded.
func (c *Core) LedgerFailClosed() bool {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failClosed
}

func (c *Core) now() int64 {
	if c.NowMs != nil {
		return c.NowMs()
	}
	return 0
}

func idString(id json.RawMessage) *string {
	if len(id) == 0 {
		return nil
	}
	s := string(id)
	return &s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
