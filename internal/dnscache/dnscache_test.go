package dnscache

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

type fakeResolver struct {
	calls int
	addrs []net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs, nil
}

func TestResolveLoopbackBypassesLookup(t *testing.T) {
	fr := &fakeResolver{}
	c := New(fr)
	addrs, stale, err := c.Resolve(context.Background(), "localhost", FamilyV4, time.Minute)
	if err != nil || stale {
		t.Fatalf("unexpected err=%v stale=%v", err, stale)
	}
	if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Fatalf("unexpected loopback addrs: %v", addrs)
	}
	if fr.calls != 0 {
		t.Fatalf("expected no resolver calls for loopback, got %d", fr.calls)
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	fr := &fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("203.0.113.1")}}}
	c := New(fr)

	if _, _, err := c.Resolve(context.Background(), "example.com", FamilyV4, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Resolve(context.Background(), "example.com", FamilyV4, time.Minute); err != nil {
		t.Fatal(err)
	}
	if fr.calls != 1 {
		t.Fatalf("expected 1 resolver call due to caching, got %d", fr.calls)
	}
}

func TestResolveFallsBackToStaleOnFailure(t *testing.T) {
	fr := &fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("203.0.113.1")}}}
	c := New(fr)

	if _, _, err := c.Resolve(context.Background(), "example.com", FamilyV4, 0); err != nil {
		t.Fatal(err)
	}

	fr.err = fmt.Errorf("boom")
	addrs, stale, err := c.Resolve(context.Background(), "example.com", FamilyV4, 0)
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if !stale {
		t.Fatal("expected stale warning")
	}
	if len(addrs) != 1 || addrs[0] != "203.0.113.1" {
		t.Fatalf("unexpected stale addrs: %v", addrs)
	}
}

func TestResolveNoEntryAndFailureReturnsError(t *testing.T) {
	fr := &fakeResolver{err: fmt.Errorf("boom")}
	c := New(fr)
	_, _, err := c.Resolve(context.Background(), "example.com", FamilyV4, time.Minute)
	if err == nil {
		t.Fatal("expected error when no cache entry and lookup fails")
	}
}

func TestResolveRoundRobinRotation(t *testing.T) {
	fr := &fakeResolver{addrs: []net.IPAddr{
		{IP: net.ParseIP("203.0.113.1")},
		{IP: net.ParseIP("203.0.113.2")},
		{IP: net.ParseIP("203.0.113.3")},
	}}
	c := New(fr)

	firstSeen := make(map[string]int)
	const n = 12
	for i := 0; i < n; i++ {
		addrs, _, err := c.Resolve(context.Background(), "example.com", FamilyV4, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		firstSeen[addrs[0]]++
	}

	// n=12, K=3: each address should appear at index 0 exactly n/K=4 times.
	for addr, count := range firstSeen {
		if count != 4 {
			t.Errorf("address %s appeared at index 0 %d times, want 4", addr, count)
		}
	}
	if len(firstSeen) != 3 {
		t.Fatalf("expected all 3 addresses to have rotated through index 0, got %v", firstSeen)
	}
}
