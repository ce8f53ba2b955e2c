// Package dnscache implements a per-hostname, per-family DNS cache
// with TTL expiry, round-robin address cycling, and stale-on-failure
// fallback (spec §4.5).
package dnscache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Family selects which address family to resolve.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

var (
	loopbackV4 = []string{"127.0.0.1"}
	loopbackV6 = []string{"::1"}
)

// Resolver is the out-of-scope DNS-library contract: it looks up A/AAAA
// records for host and splits them by family.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// entry is the per-hostname cache record.
type entry struct {
	queriedAt time.Time
	v4        []string
	v6        []string
	v4Cursor  atomic.Uint64
	v6Cursor  atomic.Uint64
}

// Cache is a DnsCache instance. It is safe for concurrent use.
type Cache struct {
	resolver Resolver
	mu       sync.Mutex
	entries  map[string]*entry
}

// New creates a Cache backed by resolver.
func New(resolver Resolver) *Cache {
	return &Cache{
		resolver: resolver,
		entries:  make(map[string]*entry),
	}
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Resolve returns a round-robin-rotated copy of the address list for
// host/family, honoring maxTTL and falling back to a stale cache entry
// (with staleWarning=true) if a fresh lookup fails.
func (c *Cache) Resolve(ctx context.Context, host string, family Family, maxTTL time.Duration) (addrs []string, staleWarning bool, err error) {
	if isLoopbackHost(host) {
		if family == FamilyV4 {
			return append([]string{}, loopbackV4...), false, nil
		}
		return append([]string{}, loopbackV6...), false, nil
	}

	c.mu.Lock()
	e, ok := c.entries[host]
	c.mu.Unlock()

	if ok && time.Since(e.queriedAt) <= maxTTL {
		return rotate(e, family), false, nil
	}

	fresh, lookupErr := c.lookup(ctx, host)
	if lookupErr == nil {
		c.mu.Lock()
		c.entries[host] = fresh
		c.mu.Unlock()
		return rotate(fresh, family), false, nil
	}

	if ok {
		return rotate(e, family), true, nil
	}
	return nil, false, fmt.Errorf("dnscache: resolving %s: %w", host, lookupErr)
}

func (c *Cache) lookup(ctx context.Context, host string) (*entry, error) {
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	e := &entry{queriedAt: time.Now()}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			e.v4 = append(e.v4, ip4.String())
		} else {
			e.v6 = append(e.v6, a.IP.String())
		}
	}
	return e, nil
}

func rotate(e *entry, family Family) []string {
	var list []string
	var cursor *atomic.Uint64
	if family == FamilyV4 {
		list = e.v4
		cursor = &e.v4Cursor
	} else {
		list = e.v6
		cursor = &e.v6Cursor
	}
	if len(list) == 0 {
		return nil
	}
	offset := int(cursor.Add(1)-1) % len(list)
	out := make([]string, len(list))
	for i := range list {
		out[i] = list[(offset+i)%len(list)]
	}
	return out
}

// netResolver adapts net.Resolver to the Resolver interface; it is the
// default used outside of tests.
type netResolver struct {
	r *net.Resolver
}

// NewSystemResolver returns a Resolver backed by Go's net.Resolver.
func NewSystemResolver() Resolver {
	return &netResolver{r: net.DefaultResolver}
}

func (n *netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return n.r.LookupIPAddr(ctx, host)
}
