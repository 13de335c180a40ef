package probe

import (
	"regexp"
	"strings"
)

// Signal is what a single SMTP reply says about the recipient.
type Signal int

const (
	SignalUnknown Signal = iota
	SignalDeliverable
	SignalInvalid
	SignalSoft
)

func (s Signal) String() string {
	switch s {
	case SignalDeliverable:
		return "deliverable"
	case SignalInvalid:
		return "invalid"
	case SignalSoft:
		return "soft"
	default:
		return "unknown"
	}
}

// MapRcptCode maps a RCPT TO reply to a signal. Codes outside the explicit
// table are unknown, except that reply text which plainly asks to try again
// later is treated as a soft failure so the address gets retried.
func MapRcptCode(code int, text string) Signal {
	switch code {
	case 250, 251:
		return SignalDeliverable
	case 550, 551, 553:
		return SignalInvalid
	case 421, 450, 451, 452:
		return SignalSoft
	}
	if ClassifyBounce(0, text) == BounceSoft {
		return SignalSoft
	}
	return SignalUnknown
}

// BounceClass is the coarse category of an SMTP rejection.
type BounceClass string

const (
	BounceHard      BounceClass = "hard"
	BounceSoft      BounceClass = "soft"
	BounceAcceptAll BounceClass = "accept_all"
	BounceUnknown   BounceClass = "unknown"
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

var (
	hardPatterns = compileAll(
		`user unknown`, `unknown user`, `no such user`, `recipient not found`,
		`account does not exist`, `mailbox unavailable`, `invalid recipient`,
		`recipient address rejected`, `address rejected`, `does not like recipient`,
		`no mailbox here`, `5\.1\.\d`, `5\.2\.\d`, `550 permanent failure`,
	)
	softPatterns = compileAll(
		`greylist`, `temporar(y|ily)`, `try again later`, `mailbox full`, `over quota`,
		`server busy`, `rate limit`, `too many connections`, `resources temporarily unavailable`,
		`4\.2\.\d`, `4\.3\.\d`, `connection timed out`,
	)
	acceptAllPatterns = compileAll(
		`accept all`, `accepting all addresses`, `catch[- ]?all`,
		`will accept any address`, `undetermined users accepted`,
	)

	// provider-specific wording that overrides the generic patterns
	providerHard = compileAll(`550-5\.1\.1`, `gmail user not found`, `mail rejected .* zoho`, `not authorized to connect`)
	providerSoft = compileAll(`421 4\.3\.2`, `service not available`, `421 4\.7\.0`, `temporarily deferred`)
)

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ClassifyBounce categorises a reply by code range first and reply text
// second. A zero code classifies on text alone.
func ClassifyBounce(code int, text string) BounceClass {
	switch {
	case code >= 500 && code < 600:
		return BounceHard
	case code >= 400 && code < 500:
		return BounceSoft
	}

	t := strings.ToLower(text)
	if t == "" {
		return BounceUnknown
	}
	switch {
	case matchAny(providerHard, t):
		return BounceHard
	case matchAny(providerSoft, t):
		return BounceSoft
	case matchAny(acceptAllPatterns, t):
		return BounceAcceptAll
	case matchAny(hardPatterns, t):
		return BounceHard
	case matchAny(softPatterns, t):
		return BounceSoft
	}
	return BounceUnknown
}
