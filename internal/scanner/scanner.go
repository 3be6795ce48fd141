package scanner

import (
	"fmt"
	"regexp"

	"github.com/sark-io/sark/config"
)

// Redacted replaces matched secret material in redacted copies.
const Redacted = "REDACTED"

// Built-in secret pattern regexes.
var builtInPatterns = map[string]*regexp.Regexp{
	"aws_access_key": regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	"aws_secret_key": regexp.MustCompile(`(?i)aws.{0,20}(secret|private).{0,10}[=:]\s*['"]?[0-9A-Za-z/+]{40}\b`),
	"github_token":   regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,251}\b`),
	"slack_token":    regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`),
	"google_api_key": regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),
	"stripe_key":     regexp.MustCompile(`\b[sr]k_(live|test)_[0-9a-zA-Z]{24,}\b`),
	"private_key":    regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY( BLOCK)?-----`),
	"jwt":            regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
	"bearer_token":   regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`),
	"credential_url": regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb(\+srv)?|redis|amqps?)://[^\s:@/]+:[^\s@/]+@[^\s"']+`),
	"api_key_assignment": regexp.MustCompile(
		`(?i)\b(api[_-]?key|apikey|secret[_-]?key|access[_-]?token|auth[_-]?token)['"]?\s*[=:]\s*['"]?[A-Za-z0-9._-]{16,}`),
}

type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

// Finding is one secret match inside a scanned value.
type Finding struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
	Match   string `json:"match"`
}

// Scanner detects secret material in JSON-like values with a
// registry of labeled regex patterns.
type Scanner struct {
	patterns []compiledPattern
}

// New creates a scanner with the built-in patterns plus any custom
// ones from config.
func New(custom []config.PatternConfig) (*Scanner, error) {
	patterns := make([]compiledPattern, 0, len(builtInPatterns)+len(custom))
	for name, re := range builtInPatterns {
		patterns = append(patterns, compiledPattern{name: name, regex: re})
	}
	for _, c := range custom {
		re, err := regexp.Compile(c.Regex)
		if err != nil {
			return nil, fmt.Errorf("scanner pattern %s: %w", c.Name, err)
		}
		patterns = append(patterns, compiledPattern{name: c.Name, regex: re})
	}
	return &Scanner{patterns: patterns}, nil
}

// Disabled returns a scanner with no patterns: Scan never finds and
// Redact returns its input unchanged.
func Disabled() *Scanner {
	return &Scanner{}
}

// PatternNames returns the registered pattern names.
func (s *Scanner) PatternNames() []string {
	names := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		names[i] = p.name
	}
	return names
}

// Scan walks value recursively and returns all findings. Paths are
// dotted from the root "$", with [i] for list indices.
func (s *Scanner) Scan(value any) []Finding {
	var findings []Finding
	s.walk("$", value, &findings)
	return findings
}

func (s *Scanner) walk(path string, value any, findings *[]Finding) {
	switch v := value.(type) {
	case string:
		s.scanString(path, v, findings)
	case map[string]any:
		for key, elem := range v {
			s.walk(path+"."+key, elem, findings)
		}
	case map[string]string:
		for key, elem := range v {
			s.scanString(path+"."+key, elem, findings)
		}
	case []any:
		for i, elem := range v {
			s.walk(fmt.Sprintf("%s[%d]", path, i), elem, findings)
		}
	case []string:
		for i, elem := range v {
			s.scanString(fmt.Sprintf("%s[%d]", path, i), elem, findings)
		}
	}
}

func (s *Scanner) scanString(path, value string, findings *[]Finding) {
	for _, p := range s.patterns {
		for _, match := range p.regex.FindAllString(value, -1) {
			*findings = append(*findings, Finding{
				Path:    path,
				Pattern: p.name,
				Match:   match,
			})
		}
	}
}

// Redact returns a structure-preserving deep copy of value with every
// pattern match replaced by REDACTED. Non-string scalars pass through
// unchanged.
func (s *Scanner) Redact(value any) any {
	switch v := value.(type) {
	case string:
		return s.redactString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			out[key] = s.Redact(elem)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for key, elem := range v {
			out[key] = s.redactString(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = s.Redact(elem)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, elem := range v {
			out[i] = s.redactString(elem)
		}
		return out
	default:
		return value
	}
}

func (s *Scanner) redactString(value string) string {
	for _, p := range s.patterns {
		value = p.regex.ReplaceAllString(value, Redacted)
	}
	return value
}
