// Package privacy gates all persisted text. It strips <private> regions,
// redacts known secret shapes, and validates content before anything is
// written to the store.
package privacy

import (
	"fmt"
	"regexp"
	"strings"
)

// Violation codes returned on rejected writes.
const (
	CodeBlockedPrivate  = "BLOCKED_PRIVATE"
	CodeContentTooLarge = "CONTENT_TOO_LARGE"
	CodeContentEmpty    = "CONTENT_EMPTY"
)

// MaxContentLength is the hard cap on persisted text.
const MaxContentLength = 50000

// Violation is a synchronous rejection of a write. No partial persist
// happens after one.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

var privateTagRe = regexp.MustCompile(`(?is)<private>.*?</private>`)

// secretPattern pairs a regexp with its literal redaction marker.
type secretPattern struct {
	re          *regexp.Regexp
	replacement string
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "[REDACTED:API_KEY]"},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), "[REDACTED:GITHUB_TOKEN]"},
	{regexp.MustCompile(`gho_[A-Za-z0-9]{36}`), "[REDACTED:GITHUB_TOKEN]"},
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9._\-]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED:SSN]"},
	{regexp.MustCompile(`(?i)(api_key|secret|password|token)(["']?\s*[:=]\s*)["']?[^\s"']{20,}["']?`), "$1$2[REDACTED]"},
}

// Filter applies the sanitation pass. Toggles mirror the runtime settings
// surface: both default to on.
type Filter struct {
	StripPrivateTags bool
	RedactSecrets    bool
}

// NewFilter returns a filter with both passes enabled.
func NewFilter() *Filter {
	return &Filter{StripPrivateTags: true, RedactSecrets: true}
}

// Sanitize strips private regions, redacts secrets, and validates the
// result. The returned warnings are non-fatal. A *Violation error means the
// caller must reject the write; the returned text is then empty.
// Sanitize is idempotent: running it over its own output changes nothing.
func (f *Filter) Sanitize(text string) (string, []string, error) {
	var warnings []string

	out := text
	if f.StripPrivateTags {
		hadPrivate := privateTagRe.MatchString(out)
		out = strings.TrimSpace(privateTagRe.ReplaceAllString(out, ""))
		if hadPrivate {
			if out == "" {
				return "", nil, &Violation{
					Code:    CodeBlockedPrivate,
					Message: "content is entirely private",
				}
			}
			warnings = append(warnings, "private regions removed")
		}
	} else {
		out = strings.TrimSpace(out)
	}

	if f.RedactSecrets {
		for _, p := range secretPatterns {
			if p.re.MatchString(out) {
				out = p.re.ReplaceAllString(out, p.replacement)
				warnings = append(warnings, "secret redacted")
			}
		}
	}

	if len(out) > MaxContentLength {
		return "", nil, &Violation{
			Code:    CodeContentTooLarge,
			Message: fmt.Sprintf("content exceeds %d characters", MaxContentLength),
		}
	}
	if out == "" {
		return "", nil, &Violation{
			Code:    CodeContentEmpty,
			Message: "content is empty",
		}
	}

	return out, warnings, nil
}
