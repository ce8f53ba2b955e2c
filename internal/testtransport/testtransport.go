// Package testtransport provides the two test-only ByteStream
// middlewares spec §4.11 describes abstractly: LatencySim, which adds
// a synthetic one-way delay to both directions of an otherwise-real
// stream, and FaultInjector, which can inject errors or halt/resume
// delivery to exercise Connection's reconnect/resume paths without a
// real flaky network. Neither is wired into production code paths;
// tests are the only callers.
//
// Grounded in the teacher's decorator-style middleware chaining
// (internal/server/middleware.go's func(Handler) Handler wrapping) and
// its time.AfterFunc-driven deferred work (internal/connection/
// watchdog.go's generation-guarded rearm), adapted from HTTP handlers
// to transport.ByteStream.
package testtransport

import (
	"errors"
	"io"
	"sync"
	"time"
)

// Stream is the minimal contract both middlewares wrap: the same
// io.ReadWriteCloser as transport.ByteStream. Deadline setters are not
// part of it; both middlewares forward them when the wrapped stream has
// them. Declared locally so this package does not import
// internal/transport just for one interface.
type Stream interface {
	io.ReadWriteCloser
}

// LatencySim wraps a Stream and delays every Read and Write by L/2,
// each direction serialized by its own mutex so a slow Write never
// blocks a concurrent Read (spec §4.11).
type LatencySim struct {
	inner Stream
	half  time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewLatencySim wraps inner, adding latency one-way-delay L split
// evenly across the send and receive paths.
func NewLatencySim(inner Stream, l time.Duration) *LatencySim {
	return &LatencySim{inner: inner, half: l / 2}
}

// Read blocks for the configured one-way delay, then delegates to the
// wrapped stream. The delay happens before the read so the caller's
// own read deadline still governs total latency the way a real slow
// link would.
func (l *LatencySim) Read(p []byte) (int, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()
	if l.half > 0 {
		time.Sleep(l.half)
	}
	return l.inner.Read(p)
}

// Write delays before delegating, under its own mutex so concurrent
// reads are unaffected.
func (l *LatencySim) Write(p []byte) (int, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.half > 0 {
		time.Sleep(l.half)
	}
	return l.inner.Write(p)
}

// Close passes through without delay.
func (l *LatencySim) Close() error { return l.inner.Close() }

// deadlineSetter is satisfied by net.Conn, *tls.Conn, and
// *wstransport.Conn; SetReadDeadline/SetWriteDeadline forward to the
// wrapped stream when it supports them, so transport's pump can still
// abort a blocked Read/Write through a LatencySim the same way it
// would through the real stream.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

func (l *LatencySim) SetReadDeadline(t time.Time) error {
	if ds, ok := l.inner.(deadlineSetter); ok {
		return ds.SetReadDeadline(t)
	}
	return nil
}

func (l *LatencySim) SetWriteDeadline(t time.Time) error {
	if ds, ok := l.inner.(deadlineSetter); ok {
		return ds.SetWriteDeadline(t)
	}
	return nil
}

// CorrectLatencySample removes the synthetic delay LatencySim added so
// a LatencySampleInfo computed over a simulated link reports the
// latency the underlying stream would have shown on its own (spec
// §4.11's "corrected by -L to avoid double-counting").
func (l *LatencySim) CorrectLatencySample(observed time.Duration) time.Duration {
	corrected := observed - 2*l.half
	if corrected < 0 {
		return 0
	}
	return corrected
}

// ErrFaultInjected is a ready-made error to pass to InjectError;
// Read/Write then return whatever error was injected.
var ErrFaultInjected = errors.New("testtransport: injected fault")

// FaultInjector wraps a Stream and can inject an error (synchronously,
// on the next Read/Write) or halt/resume delivery, buffering whatever
// was written while halted and flushing it on Resume (spec §4.11).
type FaultInjector struct {
	inner Stream

	mu       sync.Mutex
	fault    error
	halted   bool
	pending  [][]byte
	resumeCh chan struct{}
}

// NewFaultInjector wraps inner with no fault armed and delivery live.
func NewFaultInjector(inner Stream) *FaultInjector {
	return &FaultInjector{inner: inner}
}

// InjectError arms err so the next Read and Write both fail with it.
// A nil err disarms a previously injected fault.
func (f *FaultInjector) InjectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fault = err
}

// Halt buffers all subsequent Writes instead of forwarding them, and
// blocks all subsequent Reads, until Resume is called.
func (f *FaultInjector) Halt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.halted {
		return
	}
	f.halted = true
	f.resumeCh = make(chan struct{})
}

// Resume flushes buffered writes in order and unblocks waiting reads.
func (f *FaultInjector) Resume() {
	f.mu.Lock()
	if !f.halted {
		f.mu.Unlock()
		return
	}
	f.halted = false
	pending := f.pending
	f.pending = nil
	ch := f.resumeCh
	f.mu.Unlock()

	for _, buf := range pending {
		f.inner.Write(buf)
	}
	close(ch)
}

func (f *FaultInjector) waitIfHalted() {
	f.mu.Lock()
	ch := f.resumeCh
	halted := f.halted
	f.mu.Unlock()
	if halted && ch != nil {
		<-ch
	}
}

// Read waits out any halt, then fails with the armed fault if one is
// set, otherwise delegates to the wrapped stream.
func (f *FaultInjector) Read(p []byte) (int, error) {
	f.waitIfHalted()
	f.mu.Lock()
	fault := f.fault
	f.mu.Unlock()
	if fault != nil {
		return 0, fault
	}
	return f.inner.Read(p)
}

// Write buffers while halted, otherwise fails with the armed fault or
// delegates straight through.
func (f *FaultInjector) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.halted {
		buf := append([]byte(nil), p...)
		f.pending = append(f.pending, buf)
		f.mu.Unlock()
		return len(p), nil
	}
	fault := f.fault
	f.mu.Unlock()
	if fault != nil {
		return 0, fault
	}
	return f.inner.Write(p)
}

// Close passes through unconditionally.
func (f *FaultInjector) Close() error { return f.inner.Close() }

func (f *FaultInjector) SetReadDeadline(t time.Time) error {
	if ds, ok := f.inner.(deadlineSetter); ok {
		return ds.SetReadDeadline(t)
	}
	return nil
}

func (f *FaultInjector) SetWriteDeadline(t time.Time) error {
	if ds, ok := f.inner.(deadlineSetter); ok {
		return ds.SetWriteDeadline(t)
	}
	return nil
}
