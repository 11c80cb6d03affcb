package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/sentrygate/sentrygate/internal/jsonrpc"
	"github.com/sentrygate/sentrygate/internal/ledger"
)

// StdioRelay spawns a child tool-server process and pipes stdin/stdout
// through the decision core, one JSON object per line.
type StdioRelay struct {
	core *Core

	// writeMu serializes writes to the client's stdout, since the
	// response-forwarding goroutine and a denial injection on the request
	// path can both write to it. The child's stdin is written only by the
	// request goroutine and is not guarded by writeMu.
	writeMu sync.Mutex
}

// NewStdioRelay creates a relay bound to core, which already carries the
// target server name for ledger attribution.
func NewStdioRelay(core *Core) *StdioRelay {
	return &StdioRelay{core: core}
}

// Run starts command as a child process and proxies stdin/stdout through
// the decision loop until either stream ends, then waits for exit.
func (r *StdioRelay) Run(ctx context.Context, command string, args []string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr

	childIn, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening child stdin: %w", err)
	}
	childOut, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening child stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", command, err)
	}

	errCh := make(chan error, 2)

	go func() {
		errCh <- r.relayRequests(os.Stdin, childIn)
		_ = childIn.Close()
	}()
	go func() {
		errCh <- r.relayResponses(childOut, os.Stdout)
	}()

	// os/exec requires every read from a StdoutPipe/StderrPipe to finish
	// before Wait is called, so drain both relay goroutines first.
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := cmd.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// relayRequests handles the caller-to-server direction: parse, decide, and
// either forward the original line or inject a denial response.
func (r *StdioRelay) relayRequests(callerRead io.Reader, serverWrite io.Writer) error {
	sc := bufio.NewScanner(callerRead)
	sc.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()

		msg, err := jsonrpc.Parse(line)
		if err != nil {
			r.core.RecordParseFailure()
			if _, werr := serverWrite.Write(append(line, '\n')); werr != nil {
				return werr
			}
			continue
		}

		if msg.Type() != jsonrpc.TypeRequest && msg.Type() != jsonrpc.TypeNotification {
			// Not a request from the caller's side; forward unchanged.
			if _, werr := serverWrite.Write(append(line, '\n')); werr != nil {
				return werr
			}
			continue
		}

		outcome, err := r.core.DecideRequest(msg, "anonymous")
		if err != nil {
			r.core.Logger.Error("decision failed, forwarding unchanged to fail open on non-security path", "error", err)
			if _, werr := serverWrite.Write(append(line, '\n')); werr != nil {
				return werr
			}
			continue
		}

		if outcome.Denied {
			data, err := jsonrpc.Serialize(outcome.Response)
			if err != nil {
				r.core.Logger.Error("failed to serialize denial response", "error", err)
				continue
			}
			r.writeToCaller(os.Stdout, data)
			continue
		}

		if outcome.RiskFlag {
			r.core.Logger.Warn("tool call flagged by risk engine", "tool", outcome.Tool, "server", r.core.Server)
		}

		if _, werr := serverWrite.Write(append(line, '\n')); werr != nil {
			return werr
		}
	}
	return sc.Err()
}

// relayResponses handles the server-to-caller direction: every line is
// forwarded unchanged (never blocked), and logged as a response record.
func (r *StdioRelay) relayResponses(serverRead io.Reader, callerWrite io.Writer) error {
	defer func() {
		if rec := recover(); rec != nil {
			r.core.Logger.Error("panic in response relay, upstream bytes may have already been delivered", "panic", rec)
		}
	}()

	sc := bufio.NewScanner(serverRead)
	sc.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		r.writeToCaller(callerWrite, line)

		msg, err := jsonrpc.Parse(line)
		if err != nil {
			continue
		}
		msgID := ""
		if len(msg.ID) > 0 {
			msgID = string(msg.ID)
		}
		respJSON := string(line)
		_, err = r.core.appendLedger(responseFields(r.core.Server, msg.Method, msgID, respJSON))
		if err != nil {
			r.core.Logger.Error("failed to append response record", "error", err)
		}
	}
	return sc.Err()
}

func (r *StdioRelay) writeToCaller(w io.Writer, data []byte) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func responseFields(server, method, msgID, respJSON string) ledger.Fields {
	f := ledger.Fields{
		Server:       server,
		Direction:    ledger.DirectionResponse,
		Method:       method,
		ResponseJSON: strPtr(respJSON),
		Verdict:      ledger.VerdictPassthrough,
	}
	if msgID != "" {
		f.MsgID = strPtr(msgID)
	}
	return f
}
