package probe

import (
	"errors"
	"strings"

	"github.com/badoux/checkmail"
)

var (
	errNoAt          = errors.New("missing @")
	errLocalTooLong  = errors.New("local part longer than 64 octets")
	errDomainTooLong = errors.New("domain longer than 253 octets")
	errDotPlacement  = errors.New("misplaced dot in local part")
	errDomainLabel   = errors.New("invalid domain label")
)

// SplitAddress returns the local part and domain of an address. It splits on
// the last @ so that quoted local parts survive.
func SplitAddress(email string) (local, domain string, ok bool) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	return email[:at], email[at+1:], true
}

// ValidateSyntax checks an address without touching the network.
func ValidateSyntax(email string) error {
	local, domain, ok := SplitAddress(email)
	if !ok {
		return errNoAt
	}
	if len(local) > 64 {
		return errLocalTooLong
	}
	if len(domain) > 253 {
		return errDomainTooLong
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return errDotPlacement
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return errDomainLabel
		}
	}
	if !strings.Contains(domain, ".") {
		return errDomainLabel
	}
	return checkmail.ValidateFormat(email)
}
