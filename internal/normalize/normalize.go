// Package normalize turns a raw list of candidate strings into the ordered,
// deduplicated work-list a job verifies.
package normalize

import (
	"strings"
	"unicode"
)

// maxAddressLength is the RFC 5321 path limit.
const maxAddressLength = 254

// Entry is one address of the work-list. Index is stable for the life of
// the job and is the address's position in Entries.
type Entry struct {
	Index  int    `json:"index"`
	Email  string `json:"email"`
	Domain string `json:"domain"`
}

// WorkList is the normalizer's output.
type WorkList struct {
	Entries    []Entry `json:"entries"`
	Discarded  int     `json:"discarded"`
	Duplicates int     `json:"duplicates"`
}

// Emails returns the addresses in index order.
func (w WorkList) Emails() []string {
	out := make([]string, len(w.Entries))
	for i, e := range w.Entries {
		out[i] = e.Email
	}
	return out
}

// Normalize lowercases and trims every candidate, discards entries that are
// not address-shaped and keeps the first occurrence of each address. Finer
// syntax checks happen in the probe engine, which reports them as invalid
// results rather than dropping them.
func Normalize(raw []string) WorkList {
	wl := WorkList{Entries: make([]Entry, 0, len(raw))}
	seen := make(map[string]struct{}, len(raw))

	for _, candidate := range raw {
		email, domain, ok := clean(candidate)
		if !ok {
			wl.Discarded++
			continue
		}
		if _, dup := seen[email]; dup {
			wl.Duplicates++
			continue
		}
		seen[email] = struct{}{}
		wl.Entries = append(wl.Entries, Entry{Index: len(wl.Entries), Email: email, Domain: domain})
	}
	return wl
}

func clean(s string) (email, domain string, ok bool) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `<>"',;`)
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || len(s) > maxAddressLength {
		return "", "", false
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", "", false
	}
	if strings.Count(s, "@") != 1 {
		return "", "", false
	}
	at := strings.IndexByte(s, '@')
	if at == 0 || at == len(s)-1 {
		return "", "", false
	}
	return s, s[at+1:], true
}
