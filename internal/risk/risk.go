// Package risk implements the tool-call risk engine: a base score from a
// tool-name pattern table, an argument keyword boost, and a persistent
// sliding-window behavior boost per subject.
package risk

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// Level is the coarse risk bucket derived from a numeric score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Verdict is what Evaluate returns for a computed score.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictFlag  Verdict = "flag"
	VerdictDeny  Verdict = "deny"
)

// Score is the full breakdown returned by Engine.Score.
type Score struct {
	Score         int
	Base          int
	ArgBoost      int
	BehaviorBoost int
	Level         Level
	Reasons       []string
}

// Thresholds configures the level/verdict boundaries. Zero values fall
// back to the spec.md §4.4 defaults via NewEngine.
type Thresholds struct {
	Deny        int // score >= Deny → level critical, verdict deny. Default 85.
	Flag        int // score >= Flag → level high, verdict flag. Default 60.
	Medium      int // score >= Medium → level medium. Default 30.
	RevokeAfter int // windowed high-risk event count >= RevokeAfter → should_revoke. Default 5.
}

// pattern is one row of the base or custom score table.
type pattern struct {
	g    glob.Glob
	base int
}

// keyword is one row of the argument-boost table.
type keyword struct {
	re    *regexp.Regexp
	boost int
	name  string
}

// builtinPatternDefs is the fixed base-score table from spec.md §4.4 step 1,
// in the declared band order — first glob match wins.
var builtinPatternDefs = []struct {
	pattern string
	base    int
}{
	{"Delete*", 80},
	{"Remove*", 80},
	{"Rm*", 80},
	{"*Shell*", 75},
	{"*Bash*", 75},
	{"*Execute*", 70},
	{"*Run*", 65},
	{"*Command*", 65},
	{"*Sql*", 60},
	{"*Database*", 55},
	{"Write*", 50},
	{"Update*", 45},
	{"Edit*", 45},
	{"Create*", 40},
	{"*Query*", 40},
	{"*Fetch*", 35},
	{"*Http*", 35},
	{"*Request*", 35},
	{"Read*", 10},
	{"Get*", 10},
	{"Search*", 5},
}

// defaultBase applies when nothing in the pattern table matches.
const defaultBase = 20

// keywordDefs is the fixed argument-keyword table from spec.md §4.4 step 2:
// case-insensitive, word-bounded matches, boosts stacking additively.
var keywordDefs = []struct {
	name    string
	regex   string
	boost   int
}{
	{"drop", `\bdrop\b`, 25},
	{"delete", `\bdelete\b`, 20},
	{"truncate", `\btruncate\b`, 25},
	{"rm_rf", `\brm\s+-rf\b`, 30},
	{"format", `\bformat\b`, 20},
	{"privilege_escalation", `\b(sudo|chmod|chown)\b`, 25},
	{"password", `\bpassword\b`, 15},
	{"secret", `\bsecret\b`, 15},
	{"token", `\btoken\b`, 10},
	{"credentials", `\.env\b|\bcredentials\b`, 15},
}

// BehaviorStore records and counts high-risk events per subject within a
// sliding window. See internal/risk/store.go for the sqlite-backed
// implementation.
type BehaviorStore interface {
	Record(subjectID string, nowMs int64) error
	Count(subjectID string, cutoffMs int64) (int, error)
}

// Engine computes risk scores and evaluates them against thresholds.
type Engine struct {
	custom     []pattern
	builtin    []pattern
	keywords   []keyword
	thresholds Thresholds
	behavior   BehaviorStore
	windowMs   int64
}

// NewEngine compiles the built-in and caller-supplied custom pattern
// tables and wires a behavior store. windowMs is the sliding-window size
// in milliseconds (default 5 minutes if zero).
func NewEngine(customPatterns map[string]int, thresholds Thresholds, behavior BehaviorStore, windowMs int64) (*Engine, error) {
	if thresholds.Deny == 0 {
		thresholds.Deny = 85
	}
	if thresholds.Flag == 0 {
		thresholds.Flag = 60
	}
	if thresholds.Medium == 0 {
		thresholds.Medium = 30
	}
	if thresholds.RevokeAfter == 0 {
		thresholds.RevokeAfter = 5
	}
	if windowMs == 0 {
		windowMs = 5 * 60 * 1000
	}

	custom, err := compilePatterns(customPatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling custom patterns: %w", err)
	}
	builtin := make([]pattern, 0, len(builtinPatternDefs))
	for _, d := range builtinPatternDefs {
		g, err := glob.Compile(d.pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling built-in pattern %q: %w", d.pattern, err)
		}
		builtin = append(builtin, pattern{g: g, base: d.base})
	}
	keywords := make([]keyword, 0, len(keywordDefs))
	for _, d := range keywordDefs {
		re, err := regexp.Compile("(?i)" + d.regex)
		if err != nil {
			return nil, fmt.Errorf("compiling keyword pattern %q: %w", d.name, err)
		}
		keywords = append(keywords, keyword{re: re, boost: d.boost, name: d.name})
	}

	return &Engine{
		custom:     custom,
		builtin:    builtin,
		keywords:   keywords,
		thresholds: thresholds,
		behavior:   behavior,
		windowMs:   windowMs,
	}, nil
}

func compilePatterns(m map[string]int) ([]pattern, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make([]pattern, 0, len(m))
	for p, base := range m {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, pattern{g: g, base: base})
	}
	return out, nil
}

// Score implements spec.md §4.4's score(tool_name, arguments_json?, subject_id).
// nowMs is the caller-supplied current time in unix milliseconds, so the
// engine has no direct dependency on wall-clock time.
func (e *Engine) Score(toolName string, argumentsJSON string, subjectID string, nowMs int64) (Score, error) {
	base, reasons := e.baseScore(toolName)

	argBoost, argReasons := e.argumentBoost(argumentsJSON)
	reasons = append(reasons, argReasons...)

	behaviorBoost := 0
	if e.behavior != nil {
		count, err := e.behavior.Count(subjectID, nowMs-e.windowMs)
		if err != nil {
			return Score{}, fmt.Errorf("counting behavior events: %w", err)
		}
		behaviorBoost = count * 5
		if behaviorBoost > 0 {
			reasons = append(reasons, fmt.Sprintf("behavior_boost:%d_recent_events", count))
		}
	}

	total := clamp(base+argBoost+behaviorBoost, 0, 100)
	level := levelFor(total, e.thresholds)

	result := Score{
		Score:         total,
		Base:          base,
		ArgBoost:      argBoost,
		BehaviorBoost: behaviorBoost,
		Level:         level,
		Reasons:       reasons,
	}

	if total >= e.thresholds.Flag && e.behavior != nil {
		if err := e.behavior.Record(subjectID, nowMs); err != nil {
			return result, fmt.Errorf("recording behavior event: %w", err)
		}
	}

	return result, nil
}

func (e *Engine) baseScore(toolName string) (int, []string) {
	for _, p := range e.custom {
		if p.g.Match(toolName) {
			return p.base, []string{fmt.Sprintf("base:custom_pattern:%d", p.base)}
		}
	}
	for _, p := range e.builtin {
		if p.g.Match(toolName) {
			return p.base, []string{fmt.Sprintf("base:builtin_pattern:%d", p.base)}
		}
	}
	return defaultBase, []string{fmt.Sprintf("base:default:%d", defaultBase)}
}

func (e *Engine) argumentBoost(argumentsJSON string) (int, []string) {
	if argumentsJSON == "" {
		return 0, nil
	}
	total := 0
	var reasons []string
	for _, kw := range e.keywords {
		if kw.re.MatchString(argumentsJSON) {
			total += kw.boost
			reasons = append(reasons, fmt.Sprintf("keyword:%s:%d", kw.name, kw.boost))
		}
	}
	return total, reasons
}

// Evaluate implements evaluate(risk_score) → {allow, flag, deny}.
func (e *Engine) Evaluate(s Score) Verdict {
	switch {
	case s.Score >= e.thresholds.Deny:
		return VerdictDeny
	case s.Score >= e.thresholds.Flag:
		return VerdictFlag
	default:
		return VerdictAllow
	}
}

// ShouldRevoke implements should_revoke(subject_id) → bool.
func (e *Engine) ShouldRevoke(subjectID string, nowMs int64) (bool, error) {
	if e.behavior == nil {
		return false, nil
	}
	count, err := e.behavior.Count(subjectID, nowMs-e.windowMs)
	if err != nil {
		return false, fmt.Errorf("counting behavior events: %w", err)
	}
	return count >= e.thresholds.RevokeAfter, nil
}

func levelFor(score int, t Thresholds) Level {
	switch {
	case score >= t.Deny:
		return LevelCritical
	case score >= t.Flag:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
