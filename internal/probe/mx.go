package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DNSResolver is the subset of *net.Resolver used for domain existence.
type DNSResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// MXLookup resolves the mail hosts of a domain with retries on temporary DNS
// errors and a small in-process TTL cache.
type MXLookup struct {
	resolver DNSResolver
	retries  int
	ttl      time.Duration
	clock    clockwork.Clock

	mu    sync.Mutex
	cache map[string]mxEntry
}

type mxEntry struct {
	hosts   []string
	expires time.Time
}

// NewMXLookup wraps resolver. A nil resolver uses net.DefaultResolver.
func NewMXLookup(resolver DNSResolver, retries int, ttl time.Duration, clock clockwork.Clock) *MXLookup {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retries < 0 {
		retries = 0
	}
	return &MXLookup{
		resolver: resolver,
		retries:  retries,
		ttl:      ttl,
		clock:    clock,
		cache:    make(map[string]mxEntry),
	}
}

// Hosts returns mail hosts for domain ordered by preference. An empty slice
// with a nil error means the domain accepts no mail. An error means DNS could
// not answer and the lookup may be retried later.
func (l *MXLookup) Hosts(ctx context.Context, domain string) ([]string, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	now := l.clock.Now()
	l.mu.Lock()
	if e, ok := l.cache[domain]; ok && now.Before(e.expires) {
		l.mu.Unlock()
		return e.hosts, nil
	}
	l.mu.Unlock()

	hosts, err := l.resolve(ctx, domain)
	if err != nil {
		return nil, err
	}

	if l.ttl > 0 {
		l.mu.Lock()
		l.cache[domain] = mxEntry{hosts: hosts, expires: now.Add(l.ttl)}
		l.mu.Unlock()
	}
	return hosts, nil
}

func (l *MXLookup) resolve(ctx context.Context, domain string) ([]string, error) {
	var (
		records []*net.MX
		err     error
	)
	for attempt := 0; attempt <= l.retries; attempt++ {
		records, err = l.resolver.LookupMX(ctx, domain)
		if err == nil || isNotFound(err) || ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	switch {
	case err == nil:
		hosts := normalizeMX(records)
		if len(records) > 0 {
			// A null MX ("." only) says the domain accepts no mail.
			return hosts, nil
		}
	case !isNotFound(err):
		return nil, fmt.Errorf("lookup mx %s: %w", domain, err)
	}

	// No MX records: the domain's own address record acts as an implicit MX.
	addrs, err := l.resolver.LookupHost(ctx, domain)
	if err != nil {
		if isNotFound(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("lookup host %s: %w", domain, err)
	}
	if len(addrs) == 0 {
		return []string{}, nil
	}
	return []string{domain}, nil
}

// normalizeMX sorts by preference and cleans host names, dropping null MX
// entries.
func normalizeMX(records []*net.MX) []string {
	sorted := make([]*net.MX, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pref < sorted[j].Pref })

	hosts := make([]string, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, mx := range sorted {
		h := strings.ToLower(strings.TrimSpace(mx.Host))
		h = strings.TrimSuffix(strings.Trim(h, "[]"), ".")
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
