// Package dialer implements the happy-eyeballs v4/v6 racing TCP dialer
// (spec §4.6): race a v4 attempt against a v6 attempt with a configurable
// IPv4 head start, classify refusal vs generic failure, and send a
// best-effort abandon message over any socket that wins the race after
// its result was already discarded.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/dnscache"
)

// ErrCouldNotConnect is returned when every address in every family
// failed for a reason other than connection refusal.
var ErrCouldNotConnect = errors.New("dialer: could not connect")

// ErrConnectionRefused is returned when at least one attempt failed
// with ECONNREFUSED and no attempt otherwise succeeded.
var ErrConnectionRefused = errors.New("dialer: connection refused")

// Protocol identifies which address family a successful dial used.
type Protocol int

const (
	ProtocolIPv4 Protocol = iota
	ProtocolIPv6
)

// Result is a successful dial outcome.
type Result struct {
	Conn       net.Conn
	Hostname   string
	Protocol   Protocol
	StartedAt  time.Time
	ConnectedAt time.Time
}

// AbandonFunc sends the best-effort abandon message described in spec
// §4.6 over a connection that succeeded after its race was already
// lost. It is injected so the dialer package does not need to know
// about the application wire protocol.
type AbandonFunc func(conn net.Conn, startedAt, abandonedAt time.Time, source string)

// Dialer races IPv4 against IPv6 connects.
type Dialer struct {
	dns           *dnscache.Cache
	netDialer     func(ctx context.Context, network, address string) (net.Conn, error)
	headStart     time.Duration
	dnsMaxTTL     time.Duration
	abandon       AbandonFunc
}

// New creates a Dialer.
func New(dns *dnscache.Cache, headStart, dnsMaxTTL time.Duration, abandon AbandonFunc) *Dialer {
	var d net.Dialer
	return &Dialer{
		dns:       dns,
		netDialer: d.DialContext,
		headStart: headStart,
		dnsMaxTTL: dnsMaxTTL,
		abandon:   abandon,
	}
}

type attemptOutcome struct {
	result  *Result
	refused bool
	err     error
}

// Open races a v4 dial against a v6 dial for host:port, giving IPv4 a
// head start of headStart before v6 is even started.
func (d *Dialer) Open(ctx context.Context, host string, port int) (*Result, error) {
	startedAt := time.Now()

	v4Done := make(chan attemptOutcome, 1)
	v4Ctx, v4Cancel := context.WithCancel(ctx)
	defer v4Cancel()
	go func() {
		v4Done <- d.attempt(v4Ctx, host, port, dnscache.FamilyV4, ProtocolIPv4, startedAt)
	}()

	var v4Outcome, v6Outcome *attemptOutcome
	var v6Done chan attemptOutcome
	var v6Cancel context.CancelFunc

	headStartTimer := time.NewTimer(d.headStart)
	defer headStartTimer.Stop()

	// Phase 1: wait for v4 to either succeed, fail, or exhaust its head
	// start, without v6 running at all yet.
	select {
	case out := <-v4Done:
		v4Outcome = &out
		if out.result != nil {
			return out.result, nil
		}
	case <-headStartTimer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Phase 2: v6 races, alongside v4 if it hasn't resolved yet.
	var v6Ctx context.Context
	v6Ctx, v6Cancel = context.WithCancel(ctx)
	defer v6Cancel()
	v6Done = make(chan attemptOutcome, 1)
	go func() {
		v6Done <- d.attempt(v6Ctx, host, port, dnscache.FamilyV6, ProtocolIPv6, startedAt)
	}()

	for v4Outcome == nil || v6Outcome == nil {
		var activeV4 chan attemptOutcome
		if v4Outcome == nil {
			activeV4 = v4Done
		}
		select {
		case out := <-activeV4:
			v4Outcome = &out
			if out.result != nil {
				d.abandonLoser(v6Done, "v6_lost_race")
				return out.result, nil
			}
		case out := <-v6Done:
			v6Outcome = &out
			if out.result != nil {
				if v4Outcome == nil {
					d.abandonLoser(v4Done, "v4_lost_race")
				}
				return out.result, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, classifyFailure(v4Outcome, v6Outcome)
}

// abandonLoser waits, in the background, for a socket that was already
// racing to finish; if it succeeds after losing, it is sent the
// abandon message and closed (spec §4.6 abandonment protocol). This
// goroutine is detached: it outlives Open's return.
func (d *Dialer) abandonLoser(loserDone <-chan attemptOutcome, source string) {
	go func() {
		select {
		case out := <-loserDone:
			if out.result != nil {
				if d.abandon != nil {
					d.abandon(out.result.Conn, out.result.StartedAt, time.Now(), source)
				}
				out.result.Conn.Close()
			}
		case <-time.After(32 * time.Second):
			// Give up waiting on an abandoned attempt rather than leak
			// this goroutine forever.
		}
	}()
}

func classifyFailure(outcomes ...*attemptOutcome) error {
	for _, o := range outcomes {
		if o != nil && o.refused {
			return ErrConnectionRefused
		}
	}
	return ErrCouldNotConnect
}

func (d *Dialer) attempt(ctx context.Context, host string, port int, family dnscache.Family, proto Protocol, startedAt time.Time) attemptOutcome {
	addrs, _, err := d.dns.Resolve(ctx, host, family, d.dnsMaxTTL)
	if err != nil || len(addrs) == 0 {
		return attemptOutcome{err: fmt.Errorf("dialer: resolving %s: %w", host, err)}
	}

	var refusedAny bool
	var lastErr error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr, strconv.Itoa(port))
		conn, dialErr := d.netDialer(ctx, "tcp", target)
		if dialErr == nil {
			return attemptOutcome{result: &Result{
				Conn:        conn,
				Hostname:    host,
				Protocol:    proto,
				StartedAt:   startedAt,
				ConnectedAt: time.Now(),
			}}
		}
		lastErr = dialErr
		if isRefused(dialErr) {
			refusedAny = true
		}
	}
	return attemptOutcome{refused: refusedAny, err: lastErr}
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
