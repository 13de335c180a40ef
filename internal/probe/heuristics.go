package probe

import (
	"regexp"
	"strings"
)

// disposableDomains are throwaway inbox providers. Subdomains match too.
var disposableDomains = map[string]struct{}{}

func init() {
	for _, d := range []string{
		"10minutemail.com", "20minutemail.com", "33mail.com", "0815.ru", "10mail.org",
		"airmailhub.com", "binkmail.com", "burnermail.io", "crazymailing.com",
		"discard.email", "disposable-mail.com", "dispostable.com", "dropmail.me",
		"emailondeck.com", "fakeinbox.com", "filzmail.com", "getairmail.com",
		"getnada.com", "guerrillamail.com", "guerrillamailblock.com", "hmamail.com",
		"incognitomail.com", "instant-email.org", "jetable.org", "kurzepost.de",
		"mailcatch.com", "maildrop.cc", "mailinator.com", "mailnesia.com",
		"mailsac.com", "mintemail.com", "mytrashmail.com", "nomail2me.com",
		"sharklasers.com", "spam4.me", "spammotel.com", "temp-mail.org",
		"tempinbox.com", "tempmail.de", "tempmail.it", "tempmail.net",
		"tempmail.org", "throwawaymail.com", "tmpmail.org", "trashmail.com",
		"wegwerfmail.de", "yopmail.com",
	} {
		disposableDomains[d] = struct{}{}
	}
}

var (
	highRiskTLD    = regexp.MustCompile(`\.(tk|ml|ga|cf|gq|xyz|top|club|online|site|fun|space|website)$`)
	throwawayLocal = regexp.MustCompile(`^(temp|mailinator|yop|10minute|discard|throwaway|guerrilla|spam|trash|burner)`)
)

// IsDisposable reports whether domain (or a parent of it) is a known
// throwaway provider.
func IsDisposable(domain string) bool {
	domain = strings.ToLower(domain)
	for {
		if _, ok := disposableDomains[domain]; ok {
			return true
		}
		dot := strings.IndexByte(domain, '.')
		if dot < 0 {
			return false
		}
		domain = domain[dot+1:]
	}
}

// IsSuspicious flags addresses that look throwaway without being on the
// list: high-abuse TLDs and throwaway-style local parts.
func IsSuspicious(local, domain string) bool {
	return highRiskTLD.MatchString(strings.ToLower(domain)) || throwawayLocal.MatchString(strings.ToLower(local))
}

var roleLocalParts = map[string]struct{}{}

func init() {
	for _, r := range []string{
		"abuse", "admin", "administrator", "billing", "compliance", "contact",
		"enquiries", "help", "helpdesk", "hostmaster", "hr", "info", "jobs",
		"legal", "mail", "mailer-daemon", "marketing", "media", "no-reply",
		"noc", "noreply", "office", "postmaster", "press", "privacy", "root",
		"sales", "security", "support", "sysadmin", "team", "webmaster",
	} {
		roleLocalParts[r] = struct{}{}
	}
}

// IsRoleAccount reports whether the local part addresses a function rather
// than a person. Plus-tags are ignored: "support+eu" is a role account.
func IsRoleAccount(local string) bool {
	local = strings.ToLower(local)
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	_, ok := roleLocalParts[local]
	return ok
}
