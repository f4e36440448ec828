package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactionRule struct {
	pattern *regexp.Regexp
	// replacement may reference submatches to keep the field name
	replacement string
}

// Redactor scrubs credentials from log lines before they are written
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor for provider API keys, bearer tokens and
// secret-bearing JSON fields
func NewRedactor() *Redactor {
	r := &Redactor{}

	// JSON fields first so the key name survives
	r.add(`("(?i:api_?key|shared_?secret|secret|password|token|signature)"\s*:\s*)"[^"]*"`, `$1"`+redacted+`"`)
	r.add(`(?i)(x-conductor-secret:\s*)\S+`, `${1}`+redacted)

	r.add(`sk-ant-[a-zA-Z0-9_-]{20,}`, redacted)
	r.add(`sk-[a-zA-Z0-9_-]{20,}`, redacted)
	r.add(`Bearer\s+[a-zA-Z0-9._-]+`, redacted)
	r.add(`AKIA[0-9A-Z]{16}`, redacted)

	return r
}

func (r *Redactor) add(pattern, replacement string) {
	r.rules = append(r.rules, redactionRule{
		pattern:     regexp.MustCompile(pattern),
		replacement: replacement,
	})
}

// AddPattern adds a custom pattern whose matches are replaced entirely
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re, replacement: redacted})
	return nil
}

// Redact scrubs sensitive values from s
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// Wrap returns a writer that redacts every write before passing it on
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat the shorter
// redacted line as a short write
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
