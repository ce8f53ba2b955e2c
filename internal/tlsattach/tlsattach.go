// Package tlsattach wraps a dialed byte stream in TLS client
// authentication (spec §4.7). The posture is encryption-only: any
// certificate the server presents is accepted, since authenticity is
// established at a higher layer (the handshake protocol's game magic
// and session tokens), not by the certificate chain.
//
// Grounded in the teacher pack's tls.DialWithDialer usage
// (bearlytools-claw/rpc/transport/tcp/client.go), adapted to attach
// TLS to an already-dialed net.Conn and to race the handshake against
// cancellation instead of dialing fresh.
package tlsattach

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// FailureKind classifies why TLS attachment failed.
type FailureKind int

const (
	NotAuthenticated FailureKind = iota
	FailureWhileAuthenticating
	NotEncrypted
)

func (k FailureKind) String() string {
	switch k {
	case NotAuthenticated:
		return "NotAuthenticated"
	case FailureWhileAuthenticating:
		return "FailureWhileAuthenticating"
	case NotEncrypted:
		return "NotEncrypted"
	default:
		return "Unknown"
	}
}

// TlsError is returned for every attachment failure, tagged with a
// FailureKind so callers can branch on the taxonomy without string
// matching.
type TlsError struct {
	Kind FailureKind
	Err  error
}

func (e *TlsError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tlsattach: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("tlsattach: %s", e.Kind)
}

func (e *TlsError) Unwrap() error { return e.Err }

// AbandonFunc mirrors dialer.AbandonFunc: it is invoked when the
// caller's context is canceled after authentication already
// succeeded, so the now-orphaned stream can send a best-effort
// abandon message before being closed.
type AbandonFunc func(conn net.Conn, startedAt, abandonedAt time.Time, source string)

// Attach performs a TLS client handshake over conn for host,
// returning the encrypted *tls.Conn. The handshake is raced against
// ctx: if ctx is canceled before the handshake completes, Attach
// returns ctx.Err() wrapped in a TlsError{NotAuthenticated}; if ctx is
// canceled after the handshake has already completed, the now-useless
// authenticated stream is handed to abandon (if non-nil) on a detached
// goroutine and Attach still returns the error, since the caller asked
// to stop.
func Attach(ctx context.Context, conn net.Conn, host string, startedAt time.Time, abandon AbandonFunc) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
	})

	done := make(chan error, 1)
	go func() {
		done <- tlsConn.HandshakeContext(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, classifyHandshakeError(err)
		}
		if !tlsConn.ConnectionState().HandshakeComplete {
			return nil, &TlsError{Kind: NotEncrypted, Err: errors.New("handshake reported complete without TLS state")}
		}
		return tlsConn, nil
	case <-ctx.Done():
		go func() {
			err := <-done
			if err == nil && abandon != nil {
				abandon(tlsConn, startedAt, time.Now(), "tls_attach_canceled")
			}
			tlsConn.Close()
		}()
		return nil, &TlsError{Kind: NotAuthenticated, Err: ctx.Err()}
	}
}

func classifyHandshakeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TlsError{Kind: FailureWhileAuthenticating, Err: err}
	}
	return &TlsError{Kind: FailureWhileAuthenticating, Err: err}
}
