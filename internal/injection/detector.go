package injection

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/sark-io/sark/config"
)

// Modes for the injection screen.
const (
	ModeOff   = "off"
	ModeAlert = "alert"
	ModeBlock = "block"
)

type rule struct {
	name  string
	regex *regexp.Regexp
	score float64
}

// Built-in detector rules. Scores reflect how strongly a match
// indicates an instruction-override attempt.
var builtInRules = []rule{
	{"ignore_instructions",
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+|your\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)`),
		0.9},
	{"system_prompt_probe",
		regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|hidden\s+instructions?)`),
		0.8},
	{"jailbreak",
		regexp.MustCompile(`(?i)\b(jailbreak|dan\s+mode|developer\s+mode|do\s+anything\s+now)\b`),
		0.8},
	{"exfiltration",
		regexp.MustCompile(`(?i)\b(send|post|upload|exfiltrate)\b.{0,40}\b(credentials?|secrets?|passwords?|tokens?|keys?)\b`),
		0.8},
	{"new_instructions",
		regexp.MustCompile(`(?i)\bnew\s+(instructions?|rules?)\s*:`),
		0.7},
	{"delimiter_escape",
		regexp.MustCompile(`(?i)<\|?(system|im_start|im_end)\|?>|\[\[?/?(system|inst)\]\]?`),
		0.7},
	{"role_override",
		regexp.MustCompile(`(?i)\byou\s+are\s+now\b|\bpretend\s+to\s+be\b|\bact\s+as\s+if\s+you\b`),
		0.6},
	{"encoded_payload",
		regexp.MustCompile(`(?i)\bdecode\s+(this|the\s+following)\s+base64\b|\bbase64\s+decode\b`),
		0.5},
}

// Match is one detector rule hit inside the screened arguments.
type Match struct {
	Rule  string  `json:"rule"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Result summarizes a screen pass. Score is the highest matched rule
// score.
type Result struct {
	Score   float64 `json:"score"`
	Matches []Match `json:"matches,omitempty"`
}

// Flagged reports whether the result meets the given threshold.
func (r Result) Flagged(threshold float64) bool {
	return len(r.Matches) > 0 && r.Score >= threshold
}

// Detector screens textual invocation arguments for
// instruction-override attempts.
type Detector struct {
	mode      string
	threshold float64
	rules     []rule

	checked atomic.Int64
	flagged atomic.Int64
	blocked atomic.Int64
}

// New creates a detector from config. Config rules extend the
// built-in set.
func New(cfg config.InjectionConfig) (*Detector, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeOff
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.7
	}

	rules := make([]rule, 0, len(builtInRules)+len(cfg.Rules))
	rules = append(rules, builtInRules...)
	for _, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("injection rule %s: %w", rc.Name, err)
		}
		score := rc.Score
		if score <= 0 {
			score = 0.5
		}
		rules = append(rules, rule{name: rc.Name, regex: re, score: score})
	}

	return &Detector{mode: mode, threshold: threshold, rules: rules}, nil
}

// Mode returns the configured mode.
func (d *Detector) Mode() string { return d.mode }

// Threshold returns the configured score threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// Enabled reports whether screening is active.
func (d *Detector) Enabled() bool { return d.mode != ModeOff }

// Screen walks args recursively and applies every rule to each
// string value.
func (d *Detector) Screen(args map[string]any) Result {
	if !d.Enabled() {
		return Result{}
	}
	d.checked.Add(1)

	var res Result
	d.walk("$", args, &res)
	if res.Flagged(d.threshold) {
		d.flagged.Add(1)
	}
	return res
}

func (d *Detector) walk(path string, value any, res *Result) {
	switch v := value.(type) {
	case string:
		d.screenString(path, v, res)
	case map[string]any:
		for key, elem := range v {
			d.walk(path+"."+key, elem, res)
		}
	case []any:
		for i, elem := range v {
			d.walk(fmt.Sprintf("%s[%d]", path, i), elem, res)
		}
	}
}

func (d *Detector) screenString(path, value string, res *Result) {
	for _, r := range d.rules {
		if r.regex.MatchString(value) {
			res.Matches = append(res.Matches, Match{Rule: r.name, Path: path, Score: r.score})
			if r.score > res.Score {
				res.Score = r.score
			}
		}
	}
}

// RecordBlocked counts a blocked invocation.
func (d *Detector) RecordBlocked() {
	d.blocked.Add(1)
}

// Stats returns detector counters.
func (d *Detector) Stats() map[string]int64 {
	return map[string]int64{
		"checked": d.checked.Load(),
		"flagged": d.flagged.Load(),
		"blocked": d.blocked.Load(),
	}
}
