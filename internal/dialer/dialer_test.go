package dialer

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/dnscache"
)

type fakeResolver struct {
	v4, v6 []net.IPAddr
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	out := append([]net.IPAddr{}, f.v4...)
	out = append(out, f.v6...)
	return out, nil
}

type stubConn struct {
	net.Conn
	closed bool
}

func (s *stubConn) Close() error {
	s.closed = true
	return nil
}

func newDialerForTest(dial func(ctx context.Context, network, address string) (net.Conn, error)) *Dialer {
	cache := dnscache.New(&fakeResolver{
		v4: []net.IPAddr{{IP: net.ParseIP("203.0.113.1")}},
		v6: []net.IPAddr{{IP: net.ParseIP("2001:db8::1")}},
	})
	d := New(cache, 20*time.Millisecond, time.Minute, nil)
	d.netDialer = dial
	return d
}

func TestOpenIPv4WinsDuringHeadStart(t *testing.T) {
	d := newDialerForTest(func(ctx context.Context, network, address string) (net.Conn, error) {
		if address == "203.0.113.1:7000" {
			return &stubConn{}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res, err := d.Open(context.Background(), "example.com", 7000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolIPv4 {
		t.Fatalf("expected IPv4 to win, got protocol %v", res.Protocol)
	}
}

func TestOpenFallsBackToV6WhenV4FailsDuringHeadStart(t *testing.T) {
	d := newDialerForTest(func(ctx context.Context, network, address string) (net.Conn, error) {
		if address == "203.0.113.1:7000" {
			return nil, errors.New("v4 boom")
		}
		return &stubConn{}, nil
	})

	res, err := d.Open(context.Background(), "example.com", 7000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Protocol != ProtocolIPv6 {
		t.Fatalf("expected IPv6 fallback, got protocol %v", res.Protocol)
	}
}

func TestOpenBothFamiliesFailReturnsCouldNotConnect(t *testing.T) {
	d := newDialerForTest(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("nope")
	})

	_, err := d.Open(context.Background(), "example.com", 7000)
	if !errors.Is(err, ErrCouldNotConnect) {
		t.Fatalf("expected ErrCouldNotConnect, got %v", err)
	}
}

func TestOpenBothFamiliesRefusedReturnsConnectionRefused(t *testing.T) {
	d := newDialerForTest(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	})

	_, err := d.Open(context.Background(), "example.com", 7000)
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
}

func TestOpenContextCanceledBeforeHeadStartReturnsContextErr(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newDialerForTest(func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := d.Open(ctx, "example.com", 7000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
