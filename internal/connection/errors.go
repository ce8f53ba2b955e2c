package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
	"github.com/ruistola/metaplaytest-netcore/internal/transport"
)

// UnexpectedLoginMessageError is returned when a message tag arrives
// that the current login/session phase does not accept (spec §4.10).
type UnexpectedLoginMessageError struct {
	Phase    Phase
	TypeName string
}

func (e *UnexpectedLoginMessageError) Error() string {
	return fmt.Sprintf("connection: unexpected message %q in phase %s", e.TypeName, e.Phase)
}

// LogicVersionMismatchError reports the server's acceptable logic
// version range when the client's falls outside it.
type LogicVersionMismatchError struct {
	ClientVersion, MinVersion, MaxVersion int
}

func (e *LogicVersionMismatchError) Error() string {
	return fmt.Sprintf("connection: logic version %d outside server range [%d,%d]", e.ClientVersion, e.MinVersion, e.MaxVersion)
}

// LoginProtocolVersionMismatchError is returned when the server
// rejects the client's login_protocol_version outright.
type LoginProtocolVersionMismatchError struct{}

func (LoginProtocolVersionMismatchError) Error() string {
	return "connection: login protocol version mismatch"
}

// RedirectToServerError tells the caller the dial should be retried
// against a different gateway.
type RedirectToServerError struct {
	Endpoint config.GatewayConfig
}

func (e *RedirectToServerError) Error() string {
	return fmt.Sprintf("connection: redirected to %s:%d", e.Endpoint.Host, e.Endpoint.Port)
}

// CommitIDMismatchError is returned by HandleClientHelloAccepted (spec
// §6) when commit_id_check_rule rejects the server's build.
type CommitIDMismatchError struct{}

func (CommitIDMismatchError) Error() string { return "connection: commit id mismatch" }

// SessionStartFailedError reports an outright session-start rejection.
type SessionStartFailedError struct {
	Message string
}

func (e *SessionStartFailedError) Error() string {
	return "connection: session start failed: " + e.Message
}

// SessionResumeFailedError reports a resume the server refused for a
// reason other than WeHaveForgottenTooMany (already its own type in
// the session package).
type SessionResumeFailedError struct{}

func (SessionResumeFailedError) Error() string { return "connection: session resume failed" }

// SessionForceTerminatedError reports the server unilaterally ending
// the session.
type SessionForceTerminatedError struct {
	Reason string
}

func (e *SessionForceTerminatedError) Error() string {
	return "connection: session force-terminated: " + e.Reason
}

// SessionLayerError wraps a free-text session-layer failure the server
// reported (spec §7 SessionError{text}).
type SessionLayerError struct {
	Text string
}

func (e *SessionLayerError) Error() string { return "connection: session error: " + e.Text }

// WatchdogDeadlineExceededError is fatal: the pipeline stalled for
// longer than its current watchdog window allows.
type WatchdogDeadlineExceededError struct {
	Kind string
}

func (e *WatchdogDeadlineExceededError) Error() string {
	return "connection: watchdog deadline exceeded: " + e.Kind
}

// PlayerIsBannedError reports the account is banned.
type PlayerIsBannedError struct{}

func (PlayerIsBannedError) Error() string { return "connection: player is banned" }

// PlayerDeserializationFailureError reports the server could not
// deserialize the player's saved state.
type PlayerDeserializationFailureError struct {
	Text string
}

func (e *PlayerDeserializationFailureError) Error() string {
	return "connection: player deserialization failure: " + e.Text
}

// MaintenanceModeOngoingError reports the cluster is under
// maintenance, with an optional estimated end time.
type MaintenanceModeOngoingError struct {
	EstimatedEndTime *time.Time
}

func (e *MaintenanceModeOngoingError) Error() string {
	return "connection: maintenance mode ongoing"
}

// LogicVersionDowngradeError reports the server refused a downgrade.
type LogicVersionDowngradeError struct{}

func (LogicVersionDowngradeError) Error() string { return "connection: logic version downgrade rejected" }

// ServiceFailureError wraps an opaque server-side failure.
type ServiceFailureError struct {
	Inner error
}

func (e *ServiceFailureError) Error() string { return fmt.Sprintf("connection: service failure: %v", e.Inner) }
func (e *ServiceFailureError) Unwrap() error { return e.Inner }

// isFatalTransportError classifies a transport-level OnError per spec
// §4.10's fatal set: EnqueuedClose, ProtocolStatus (which subsumes
// InvalidGameMagic and WireProtocolVersionMismatch, since those are
// reported as particular ClusterNotRunningError.Status values),
// WireFormat, and MissingHello are always terminal. Everything else
// (timeouts, generic stream I/O failures, connection resets) is
// non-fatal and enters WaitResumeAfterDrop.
func isFatalTransportError(err error) bool {
	var enqueuedClose *transport.EnqueuedCloseError
	var clusterNotRunning *transport.ClusterNotRunningError
	var wireFormat *transport.WireFormatError
	var missingHello *transport.MissingHelloError
	var forceTerminated *SessionForceTerminatedError
	switch {
	case errors.As(err, &enqueuedClose):
		return true
	case errors.As(err, &clusterNotRunning):
		return true
	case errors.As(err, &wireFormat):
		return true
	case errors.As(err, &missingHello):
		return true
	case errors.As(err, &forceTerminated):
		// The server ended the session on purpose; this is not a
		// transport drop worth resuming from (spec §7).
		return true
	default:
		return false
	}
}
