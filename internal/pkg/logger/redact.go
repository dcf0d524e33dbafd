package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "anna.k@example.com" → "an***@example.com"
// Short local parts (≤2 chars) are fully masked: "ak@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	local := parts[0]
	if len(local) > 2 {
		return local[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
