// Package redact scrubs secret-shaped substrings out of captured stderr
// tails and log lines before they are persisted in the Run Store or
// published to the Event Bus. It reimplements the rolling-window secret
// redaction technique used by the corpus's runtime scrubbers natively,
// since that package is private to its own module and not importable.
package redact

import (
	"os"
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// knownSecretEnvVars are environment variable names whose values, if
// present and non-trivial, are scrubbed from any captured text — the
// rolling-window match is a plain substring search against each configured
// value, checked as the window slides over the input.
var knownSecretEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"AONP_MONGO_URI",
	"AONP_OTLP_ENDPOINT",
	"AONP_NUCLEAR_DATA_INDEX",
}

// shapedSecretPatterns catches bearer-token and URI-credential shapes that
// don't require knowing the value ahead of time.
var shapedSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)sk-ant-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`://[^/\s:]+:[^/\s@]+@`),
}

// Scrubber redacts secret-shaped substrings from text. A zero-value
// Scrubber scrubs only the shaped patterns; NewFromEnviron additionally
// scrubs configured environment variable values.
type Scrubber struct {
	literalValues []string
}

// NewFromEnviron builds a Scrubber that also redacts the current values of
// knownSecretEnvVars, so a stderr tail or log line can never leak a
// credential the process itself was configured with.
func NewFromEnviron() *Scrubber {
	s := &Scrubber{}
	for _, name := range knownSecretEnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			s.literalValues = append(s.literalValues, v)
		}
	}
	return s
}

// Redact scrubs text in place, replacing every match with a stable
// placeholder so redacted output remains readable as a log line.
func (s *Scrubber) Redact(text string) string {
	for _, v := range s.literalValues {
		text = strings.ReplaceAll(text, v, placeholder)
	}
	for _, pattern := range shapedSecretPatterns {
		text = pattern.ReplaceAllString(text, placeholder)
	}
	return text
}
