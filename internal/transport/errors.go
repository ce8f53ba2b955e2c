package transport

import "fmt"

// StreamIOFailedError wraps an unclassified read/write failure, naming
// which operation failed (spec §4.8.1, §4.8.2).
type StreamIOFailedError struct {
	Op    string
	Inner error
}

func (e *StreamIOFailedError) Error() string {
	return fmt.Sprintf("transport: %s failed: %v", e.Op, e.Inner)
}

func (e *StreamIOFailedError) Unwrap() error { return e.Inner }

// ConnectTimeoutError is returned when the dial+TLS phase does not
// finish within CONNECT_TIMEOUT.
type ConnectTimeoutError struct{}

func (ConnectTimeoutError) Error() string { return "transport: connect timed out" }

// HeaderTimeoutError is returned when the protocol header is not read
// within HEADER_READ_TIMEOUT.
type HeaderTimeoutError struct{}

func (HeaderTimeoutError) Error() string { return "transport: header read timed out" }

// ReadTimeoutError is returned when a steady-state read deadline
// elapses.
type ReadTimeoutError struct{}

func (ReadTimeoutError) Error() string { return "transport: read timed out" }

// WriteTimeoutError is returned when a steady-state write deadline
// elapses.
type WriteTimeoutError struct{}

func (WriteTimeoutError) Error() string { return "transport: write timed out" }

// MissingHelloError is returned when the handshake's expected framing
// or message type does not match (spec §4.8.1 steps 4-5).
type MissingHelloError struct {
	Reason string
}

func (e *MissingHelloError) Error() string { return "transport: missing hello: " + e.Reason }

// ClusterNotRunningError is returned when the server's protocol header
// reports a status other than ClusterRunning.
type ClusterNotRunningError struct {
	Status fmt.Stringer
}

func (e *ClusterNotRunningError) Error() string {
	return fmt.Sprintf("transport: cluster not running: %s", e.Status)
}

// WireFormatError wraps a framing/decode failure encountered during
// steady-state inbound dispatch (spec §4.8.4).
type WireFormatError struct {
	Inner error
}

func (e *WireFormatError) Error() string { return fmt.Sprintf("transport: wire format error: %v", e.Inner) }

func (e *WireFormatError) Unwrap() error { return e.Inner }

// EnqueuedCloseError is raised when the write pump reaches a
// caller-enqueued close marker (spec §4.8.3); it is a normal,
// non-fatal-in-the-usual-sense teardown trigger, still delivered via
// OnError since it ends the pump.
type EnqueuedCloseError struct {
	Payload []byte
}

func (e *EnqueuedCloseError) Error() string { return "transport: close enqueued" }
