package logger

import (
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com". Local parts of two
// characters or fewer are fully masked.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, dom := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + dom
	}
	return local[:2] + "***@" + dom
}

// redactValue masks emails in a field value. Fields whose key names an
// email or recipient are masked wholesale; other values only have
// embedded addresses replaced.
func redactValue(key, val string) string {
	k := strings.ToLower(key)
	if strings.Contains(k, "email") || strings.Contains(k, "recipient") || strings.Contains(k, "subscriber") {
		return RedactEmail(val)
	}
	return emailRe.ReplaceAllStringFunc(val, RedactEmail)
}
