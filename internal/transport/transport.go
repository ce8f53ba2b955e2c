// Package transport implements the single-worker I/O pump that owns
// one connected byte stream end to end: the handshake sub-protocol,
// the steady-state read/write pump with keep-alives, duration
// warnings and hard timeouts, and graceful teardown (spec §4.8,
// component C8, plus the ping/pong correlation of C9 in
// pingtracker.go).
//
// Grounded in the teacher's Worker.Exec/ReadFrame pipe-based pump
// (internal/pool/worker.go) and Pool.Exec's select-over-{done,timeout,
// ctx.Done()} loop (internal/pool/pool.go), generalized from a
// request/response PHP worker protocol to a long-lived, bidirectional,
// keep-alive'd game connection.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
	"github.com/ruistola/metaplaytest-netcore/internal/protocol"
	"github.com/ruistola/metaplaytest-netcore/internal/readbuf"
	"github.com/ruistola/metaplaytest-netcore/internal/writequeue"
)

// ByteStream is the minimal contract the pump needs from a connected
// transport: TCP, TCP+TLS, and WebSocket byte streams all satisfy it.
type ByteStream interface {
	io.ReadWriteCloser
}

// deadlineSetter is implemented by net.Conn and *tls.Conn; the pump
// uses it to abort an in-flight blocking Read/Write during
// cancellation instead of relying on a language-level cancel token,
// which Go's blocking I/O does not have.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// EventSink receives every event a Transport produces. Implementations
// must not block for long — the pump calls these synchronously from
// its own goroutine.
type EventSink interface {
	OnConnect(hello *protocol.ServerHello, report HandshakeReport)
	OnReceive(env *protocol.Envelope)
	OnInfo(info interface{})
	OnError(err error)
}

// Tuning bundles the timing knobs the pump consults every iteration.
type Tuning struct {
	Timeouts  config.TimeoutConfig
	Keepalive config.KeepaliveConfig
	Warn      config.WarnConfig
}

// Transport owns one connected stream and its worker pump.
type Transport struct {
	stream ByteStream
	sink   EventSink
	queue  *writequeue.Queue
	rb     *readbuf.Buffer
	pings  *PingTracker
	tuning Tuning

	cancel context.CancelFunc
	done   chan struct{}

	pingNonce uint32
}

// EnqueueSend enqueues an application payload for transmission.
func (t *Transport) EnqueueSend(payload []byte) (int, error) {
	return t.queue.EnqueueMessage(payload)
}

// EnqueueCloseAsync enqueues a close marker; the pump terminates once
// the write pump reaches it.
func (t *Transport) EnqueueCloseAsync(payload []byte) error {
	return t.queue.EnqueueClose(payload)
}

// EnqueueWriteFence enqueues a fence; the returned channel closes once
// every write enqueued before it has reached the socket.
func (t *Transport) EnqueueWriteFence() (<-chan struct{}, error) {
	return t.queue.EnqueueFence()
}

// EnqueueInfo enqueues a side-band event the pump re-dispatches via
// OnInfo in order relative to writes.
func (t *Transport) EnqueueInfo(info interface{}) error {
	return t.queue.EnqueueInfo(info)
}

// EnqueueLatencySample enqueues a latency-sample ping; PingTracker
// records its send time once the write pump actually appends it to a
// send buffer, not at enqueue time.
func (t *Transport) EnqueueLatencySample(sampleID uint32) error {
	return t.queue.EnqueueLatencySamplePing64(sampleID)
}

// Dispose cancels the worker and disposes the write queue. It never
// causes an OnError to be emitted.
func (t *Transport) Dispose() {
	t.cancel()
	<-t.done
}
