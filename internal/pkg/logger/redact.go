package logger

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// addressKeys are field names whose whole value is a mailbox.
var addressKeys = []string{"email", "address", "rcpt", "mail_from", "recipient"}

// RedactEmail masks the mailbox and keeps the domain, which is what
// verification logs are read for.
//
//	"john.doe@example.com" -> "jo***@example.com"
//	"ab@example.com"       -> "***@example.com"
func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	for _, k := range addressKeys {
		if strings.Contains(key, k) {
			if !strings.Contains(val, "@") {
				return val
			}
			return RedactEmail(val)
		}
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
