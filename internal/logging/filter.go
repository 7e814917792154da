package logging

import (
	"io"
	"regexp"

	"github.com/rs/zerolog"
)

const RedactedValue = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{16,}`),
	regexp.MustCompile(`(?i)"(secret|api_key|claim_token|password|authorization)"\s*:\s*"[^"]*"`),
	regexp.MustCompile(`(?i)(secret|api_key|claim_token|password)\s*[:=]\s*[^\s",]{6,}`),
}

// ContainsSensitiveData reports whether s matches a credential pattern.
func ContainsSensitiveData(s string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Redact replaces every credential-looking substring of s.
func Redact(s string) string {
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllStringFunc(s, func(m string) string {
			sub := p.FindStringSubmatch(m)
			if len(sub) > 1 && m[0] == '"' {
				return `"` + sub[1] + `":"` + RedactedValue + `"`
			}
			return RedactedValue
		})
	}
	return s
}

// SensitiveDataHook flags events whose message looks like it carries a
// credential. Messages cannot be rewritten from a hook; the writer does that.
type SensitiveDataHook struct{}

func (SensitiveDataHook) Run(e *zerolog.Event, _ zerolog.Level, msg string) {
	if ContainsSensitiveData(msg) {
		e.Bool("contains_filtered_data", true)
	}
}

// FilteringWriter redacts each serialized log line before passing it on.
type FilteringWriter struct {
	w io.Writer
}

func NewFilteringWriter(w io.Writer) *FilteringWriter {
	return &FilteringWriter{w: w}
}

func (f *FilteringWriter) Write(p []byte) (int, error) {
	clean := Redact(string(p))
	if _, err := f.w.Write([]byte(clean)); err != nil {
		return 0, err
	}
	return len(p), nil
}
