package logs

import "regexp"

// sensitivePatterns match credential material that must never reach the log
// store or streaming subscribers.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)ANTHROPIC_API_KEY=[^\s]+`),
	regexp.MustCompile(`(?i)api[_-]?key[=:][^\s]+`),
	regexp.MustCompile(`(?i)token[=:][^\s]+`),
	regexp.MustCompile(`(?i)password[=:][^\s]+`),
	regexp.MustCompile(`(?i)secret[=:][^\s]+`),
}

// Sanitize redacts sensitive material from a captured output line.
func Sanitize(line string) string {
	for _, pattern := range sensitivePatterns {
		line = pattern.ReplaceAllString(line, "[REDACTED]")
	}
	return line
}
