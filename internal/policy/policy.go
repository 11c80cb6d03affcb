// Package policy implements the stateless (policy, server, tool) → verdict
// evaluator: glob-matched server/tool rules, first-match-wins, fail-closed
// when no server pattern matches.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sentrygate/sentrygate/internal/safefile"
)

// Action is the outcome a rule or server default assigns.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Verdict is what Evaluate returns for a given tool call.
type Verdict string

const (
	VerdictAllow       Verdict = "allow"
	VerdictDeny        Verdict = "deny"
	VerdictPassthrough Verdict = "passthrough"
)

// ToolRule is a single tool-name glob within a server policy.
type ToolRule struct {
	Pattern string `json:"pattern"`
	Action  Action `json:"action"`
}

// ServerPolicy is one entry in the ordered server-policy list.
type ServerPolicy struct {
	Server  string     `json:"server"`
	Default Action     `json:"default"`
	Tools   []ToolRule `json:"tools"`
}

// Policy is the full configuration document, per spec.md §3.
type Policy struct {
	Version    int            `json:"version"`
	DataDir    string         `json:"data_dir"`
	LogLevel   string         `json:"log_level,omitempty"`
	RateLimit  *RateLimit     `json:"rate_limit,omitempty"`
	Servers    []ServerPolicy `json:"servers"`
}

// RateLimit is the optional global rate-limit default, overridable per
// subject in the admission layer.
type RateLimit struct {
	RPM   int `json:"rpm"`
	Burst int `json:"burst"`
}

// Load reads and parses a policy.json file, then validates it.
func Load(path string) (*Policy, error) {
	data, err := safefile.ReadFileMax(path, 4*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if errs := Validate(&p); len(errs) > 0 {
		return nil, fmt.Errorf("invalid policy: %v", errs)
	}
	return &p, nil
}

// Validate checks structural invariants and returns one error per problem.
// An empty slice means the policy is valid.
func Validate(p *Policy) []error {
	var errs []error
	if p.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", p.Version))
	}
	for i, sp := range p.Servers {
		if sp.Server == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: empty server name", i))
		}
		if sp.Default != Allow && sp.Default != Deny {
			errs = append(errs, fmt.Errorf("servers[%d]: default action %q must be allow or deny", i, sp.Default))
		}
		if sp.Tools == nil {
			errs = append(errs, fmt.Errorf("servers[%d]: tools must be present (possibly empty)", i))
		}
		for j, tr := range sp.Tools {
			if tr.Pattern == "" {
				errs = append(errs, fmt.Errorf("servers[%d].tools[%d]: empty tool pattern", i, j))
			}
			if tr.Action != Allow && tr.Action != Deny {
				errs = append(errs, fmt.Errorf("servers[%d].tools[%d]: action %q must be allow or deny", i, j, tr.Action))
			}
		}
	}
	return errs
}

// Hash returns the hex SHA-256 digest of the policy as serialized by
// encoding/json (keys in struct-field order, empty optional fields
// omitted), pinned into every audit record as policy_hash. It does not
// use the sorted-key encoding of internal/canon.
func Hash(p *Policy) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("hashing policy: %w", err)
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// CompileGlob translates pattern into a regexp per the glob semantics:
// '*' becomes '.*', '?' becomes '.', every other regex metacharacter is
// escaped so it matches itself literally, and the whole pattern is
// anchored at both ends. Matching is case-sensitive.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// compiledRule is a ToolRule with its pattern pre-compiled.
type compiledRule struct {
	re     *regexp.Regexp
	action Action
}

// compiledServer is a ServerPolicy with its patterns pre-compiled.
type compiledServer struct {
	re    *regexp.Regexp
	raw   ServerPolicy
	tools []compiledRule
}

// Evaluator is a compiled, immutable snapshot of a Policy ready for fast,
// repeated evaluation. Policy is loaded once at process start and cached;
// reload is external (a new Evaluator is built from a freshly loaded Policy).
type Evaluator struct {
	policy  *Policy
	servers []compiledServer
	hash    string
}

// Compile validates p and builds an Evaluator from it.
func Compile(p *Policy) (*Evaluator, error) {
	if errs := Validate(p); len(errs) > 0 {
		return nil, fmt.Errorf("invalid policy: %v", errs)
	}

	hash, err := Hash(p)
	if err != nil {
		return nil, err
	}

	servers := make([]compiledServer, 0, len(p.Servers))
	for _, sp := range p.Servers {
		sre, err := CompileGlob(sp.Server)
		if err != nil {
			return nil, fmt.Errorf("compiling server pattern %q: %w", sp.Server, err)
		}
		tools := make([]compiledRule, 0, len(sp.Tools))
		for _, tr := range sp.Tools {
			tre, err := CompileGlob(tr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("compiling tool pattern %q: %w", tr.Pattern, err)
			}
			tools = append(tools, compiledRule{re: tre, action: tr.Action})
		}
		servers = append(servers, compiledServer{re: sre, raw: sp, tools: tools})
	}

	return &Evaluator{policy: p, servers: servers, hash: hash}, nil
}

// NewEvaluator is the same as Compile: it validates p and returns an
// error on an invalid policy.
func NewEvaluator(p *Policy) (*Evaluator, error) {
	return Compile(p)
}

// Hash returns the policy_hash pinned into audit records built against
// this Evaluator.
func (e *Evaluator) Hash() string {
	return e.hash
}

// Policy returns the underlying policy document.
func (e *Evaluator) Policy() *Policy {
	return e.policy
}

// Evaluate implements spec.md §4.3's evaluate(policy, server_name, tool_name)
// algorithm: first server pattern match wins; no match is fail-closed deny;
// a nil tool (non-tools/call method) is passthrough; otherwise first
// matching tool rule wins, falling back to the server's default action.
func (e *Evaluator) Evaluate(server string, tool *string) Verdict {
	for _, sp := range e.servers {
		if !sp.re.MatchString(server) {
			continue
		}
		if tool == nil {
			return VerdictPassthrough
		}
		for _, tr := range sp.tools {
			if tr.re.MatchString(*tool) {
				return actionToVerdict(tr.action)
			}
		}
		return actionToVerdict(sp.raw.Default)
	}
	return VerdictDeny
}

func actionToVerdict(a Action) Verdict {
	if a == Allow {
		return VerdictAllow
	}
	return VerdictDeny
}
