// Package security provides redaction of credentials in strings that leave the process.
package security

import "regexp"

const redacted = "[REDACTED]"

// sensitivePatterns contains regex patterns for sensitive data. Each pattern
// captures the prefix to keep in group 1; everything else in the match is dropped.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(authorization\s*[:=]\s*["']?(?:bearer|basic|token)\s+)[^\s"',;]+`),
	regexp.MustCompile(`(?i)(\bbearer\s+)[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|refresh[_-]?token|password|passwd|token)["']?\s*[=:]\s*["']?)[^\s"'&,;]+`),
	regexp.MustCompile(`()\bsk-(?:ant-)?[A-Za-z0-9\-_]{16,}`), // OpenAI / Anthropic keys
	regexp.MustCompile(`()\btvly-[A-Za-z0-9]{16,}`),           // Tavily keys
	regexp.MustCompile(`()\b\d{8,10}:[A-Za-z0-9_-]{30,}`),     // Telegram bot tokens
	regexp.MustCompile(`()\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`), // JWTs
}

// Redact replaces bearer tokens, API keys and key=value secrets in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := s
	for _, pattern := range sensitivePatterns {
		out = pattern.ReplaceAllString(out, "${1}"+redacted)
	}
	return out
}

// RedactError returns a copy of err whose message has been redacted. The
// original chain is kept so errors.Is still works against sentinels.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	clean := Redact(msg)
	if clean == msg {
		return err
	}
	return &redactedError{msg: clean, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
