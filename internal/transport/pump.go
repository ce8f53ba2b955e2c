package transport

import (
	"context"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/pollset"
	"github.com/ruistola/metaplaytest-netcore/internal/protocol"
	"github.com/ruistola/metaplaytest-netcore/internal/readbuf"
	"github.com/ruistola/metaplaytest-netcore/internal/wireproto"
	"github.com/ruistola/metaplaytest-netcore/internal/writequeue"
)

const maxWriteBatchBytes = 2 * 1024

// ioResult is what a detached read/write goroutine reports back.
type ioResult struct {
	n   int
	err error
}

// ioTask tracks one in-flight blocking Read or Write, run on its own
// goroutine since Go has no cancellable-by-token blocking I/O; signal
// closes the instant resultCh has a value, so pollset can wait on it
// without needing to know about ioResult's shape.
type ioTask struct {
	resultCh chan ioResult
	signal   chan struct{}
	buf      []byte // the slice that was read into, or the bytes written
}

func startIOTask(fn func([]byte) (int, error), buf []byte) *ioTask {
	t := &ioTask{
		resultCh: make(chan ioResult, 1),
		signal:   make(chan struct{}),
		buf:      buf,
	}
	go func() {
		n, err := fn(buf)
		t.resultCh <- ioResult{n: n, err: err}
		close(t.signal)
	}()
	return t
}

func (t *ioTask) poll() (ioResult, bool) {
	select {
	case res := <-t.resultCh:
		return res, true
	default:
		return ioResult{}, false
	}
}

// pumpState holds the per-iteration deadlines and warn flags that
// spec §4.8.2 describes as the loop's local state.
type pumpState struct {
	readTask  *ioTask
	writeTask *ioTask

	readTimeout  time.Time
	writeTimeout time.Time

	readKeepalive  time.Time
	writeKeepalive time.Time

	readWarn  time.Time
	writeWarn time.Time

	readWarnActive  bool
	writeWarnActive bool

	pingNonce uint32
}

// pumpLoop is the steady-state pump (spec §4.8.2-§4.8.5). It runs on
// its own goroutine for the lifetime of the Transport.
func (t *Transport) pumpLoop(ctx context.Context) {
	defer close(t.done)

	now := time.Now()
	st := &pumpState{
		writeKeepalive: now.Add(t.tuning.Keepalive.Write.Duration()),
		readKeepalive:  now.Add(t.tuning.Keepalive.Read.Duration()),
	}

	builder := pollset.NewBuilder()

	var terminalErr error
	for {
		now = time.Now()
		t.sink.OnInfo(ThreadCycleUpdateInfo{At: now})

		select {
		case <-ctx.Done():
			goto teardown
		default:
		}

		if !st.writeTimeout.IsZero() && now.After(st.writeTimeout) {
			terminalErr = WriteTimeoutError{}
			goto teardown
		}
		if !st.readTimeout.IsZero() && now.After(st.readTimeout) {
			terminalErr = ReadTimeoutError{}
			goto teardown
		}

		if st.writeTask != nil {
			if res, done := st.writeTask.poll(); done {
				st.writeTask = nil
				if res.err != nil {
					terminalErr = &StreamIOFailedError{Op: "write", Inner: res.err}
					goto teardown
				}
				st.writeTimeout = time.Time{}
				st.writeKeepalive = now.Add(t.tuning.Keepalive.Write.Duration())
				st.writeWarn = time.Time{}
				if st.writeWarnActive {
					t.sink.OnInfo(WriteDurationWarningInfo{Begin: false, At: now})
					st.writeWarnActive = false
				}
			}
		}

		if st.readTask != nil {
			if res, done := st.readTask.poll(); done {
				finishedBuf := st.readTask.buf[:res.n]
				st.readTask = nil
				if res.err != nil {
					terminalErr = &StreamIOFailedError{Op: "read", Inner: res.err}
					goto teardown
				}
				st.readTimeout = time.Time{}
				st.readKeepalive = now.Add(t.tuning.Keepalive.Read.Duration())
				if st.readWarnActive {
					t.sink.OnInfo(ReadDurationWarningInfo{Begin: false, At: now})
					st.readWarnActive = false
				} else {
					st.readWarn = time.Time{}
				}
				t.rb.EndReceive(len(finishedBuf))

				for {
					frame, err := t.rb.TryReadNext()
					if err != nil {
						terminalErr = &WireFormatError{Inner: err}
						goto teardown
					}
					if frame == nil {
						break
					}
					if err := t.dispatchFrame(frame); err != nil {
						terminalErr = err
						goto teardown
					}
				}
			}
		}

		if st.writeTask == nil {
			if batch, closeErr := t.buildWriteBatch(st); closeErr != nil {
				terminalErr = closeErr
				goto teardown
			} else if len(batch) > 0 {
				st.writeTask = startIOTask(t.stream.Write, batch)
				st.writeTimeout = now.Add(t.tuning.Timeouts.Write.Duration())
				st.writeWarn = now.Add(t.tuning.Warn.AfterWrite.Duration())
			}
		}

		if st.readTask == nil {
			slice := t.rb.BeginReceive()
			st.readTask = startIOTask(t.stream.Read, slice)
			st.readTimeout = now.Add(t.tuning.Timeouts.Read.Duration())
			st.readWarn = now.Add(t.tuning.Warn.AfterRead.Duration())
		}

		if !st.writeKeepalive.IsZero() && now.After(st.writeKeepalive) {
			st.pingNonce++
			t.queue.EnqueuePing32(st.pingNonce)
			st.writeKeepalive = now.Add(t.tuning.Keepalive.Write.Duration())
		}
		if !st.readKeepalive.IsZero() && now.After(st.readKeepalive) {
			st.pingNonce++
			t.queue.EnqueuePing32(st.pingNonce)
			st.readKeepalive = now.Add(t.tuning.Keepalive.Read.Duration())
			if st.writeTask == nil {
				st.writeKeepalive = now.Add(t.tuning.Keepalive.Write.Duration())
			}
		}

		if !st.writeWarn.IsZero() && now.After(st.writeWarn) && !st.writeWarnActive {
			t.sink.OnInfo(WriteDurationWarningInfo{Begin: true, At: now})
			st.writeWarnActive = true
		}
		if !st.readWarn.IsZero() && now.After(st.readWarn) && !st.readWarnActive {
			t.sink.OnInfo(ReadDurationWarningInfo{Begin: true, At: now})
			st.readWarnActive = true
		}

		builder.Reset()
		if st.readTask != nil {
			builder.AddTask(st.readTask.signal)
		}
		if st.writeTask != nil {
			builder.AddTask(st.writeTask.signal)
		} else {
			builder.AddTask(t.queue.NextAvailable())
		}
		builder.AddCancel(ctx.Done())
		addDeadline(builder, st.readTimeout)
		addDeadline(builder, st.writeTimeout)
		addDeadline(builder, st.readKeepalive)
		addDeadline(builder, st.writeKeepalive)
		addDeadline(builder, st.readWarn)
		addDeadline(builder, st.writeWarn)
		builder.AddDeadline(time.Now().Add(5 * time.Second))

		builder.Wait(ctx)
	}

teardown:
	t.teardown(st, terminalErr)
}

func addDeadline(b *pollset.Builder, at time.Time) {
	if !at.IsZero() {
		b.AddDeadline(at)
	}
}

// dispatchFrame implements inbound dispatch (spec §4.8.4). Unknown
// packet types never reach here: readbuf.TryReadNext already rejects
// them with ErrUnknownPacketType, which the caller turns into a
// WireFormatError before calling this. A Message payload that fails to
// decode is returned as a WireFormatError for the caller to terminate on.
func (t *Transport) dispatchFrame(frame *readbuf.Frame) error {
	switch frame.Type {
	case wireproto.PacketMessage:
		env, err := protocol.DecodeEnvelope(frame.Payload)
		if err != nil {
			return &WireFormatError{Inner: err}
		}
		t.handleReceivedMessage(env)
	case wireproto.PacketPing:
		t.queue.EnqueuePong(frame.Payload)
	case wireproto.PacketPingResponse:
		if sampleID, sentAt, ok := t.pings.Match(frame.Payload); ok {
			t.sink.OnInfo(LatencySampleInfo{
				SampleID:       sampleID,
				SentAt:         sentAt,
				PongReceivedAt: time.Now(),
			})
		}
	case wireproto.PacketHealthCheck:
		// No application-visible effect; acknowledges liveness only.
	}
	return nil
}

// teardown implements graceful shutdown (spec §4.8.5): dispose the
// write queue, give outstanding I/O up to one second to unblock (after
// forcing any in-flight call to return via a deadline of now), then
// close the stream. terminalErr, if non-nil, is reported via OnError;
// a nil terminalErr means cancellation, which is silent per spec.
func (t *Transport) teardown(st *pumpState, terminalErr error) {
	t.queue.Dispose()

	if ds, ok := t.stream.(deadlineSetter); ok {
		ds.SetReadDeadline(time.Now())
		ds.SetWriteDeadline(time.Now())
	}

	drainDeadline := time.After(time.Second)
	for _, task := range []*ioTask{st.readTask, st.writeTask} {
		if task == nil {
			continue
		}
		select {
		case <-task.signal:
		case <-drainDeadline:
		}
	}

	t.stream.Close()

	if terminalErr != nil {
		t.sink.OnError(terminalErr)
	}
}

// buildWriteBatch implements write pumping (spec §4.8.3): it handles
// non-data items inline while nothing is batched ahead of them, and
// accumulates data-bearing items' bytes into a single send buffer
// capped at maxWriteBatchBytes. A non-data item reached after some
// bytes were batched ends the batch and stays at the queue head.
func (t *Transport) buildWriteBatch(st *pumpState) ([]byte, error) {
	var batch []byte
	for {
		item, ok := t.queue.TryAcquireNext()
		if !ok {
			return batch, nil
		}

		switch item.Kind {
		case writequeue.KindFence, writequeue.KindInfo, writequeue.KindClose:
			if len(batch) > 0 {
				t.queue.ReturnAcquired()
				return batch, nil
			}
		}

		switch item.Kind {
		case writequeue.KindFence:
			close(item.FenceDone)
			t.queue.ReleaseAcquired()
			continue
		case writequeue.KindInfo:
			t.sink.OnInfo(item.Info)
			t.queue.ReleaseAcquired()
			continue
		case writequeue.KindClose:
			t.queue.ReleaseAcquired()
			return batch, &EnqueuedCloseError{Payload: item.ClosePayload}
		}

		data := item.Ref.Bytes()
		header, err := wireproto.EncodePacketHeader(item.Encoding.Type, item.Compression, uint32(len(data)))
		if err != nil {
			t.queue.ReleaseAcquired()
			return batch, &StreamIOFailedError{Op: "encode_header", Inner: err}
		}
		framedLen := wireproto.PacketHeaderSize + len(data)

		if len(batch) > 0 && len(batch)+framedLen > maxWriteBatchBytes {
			t.queue.ReturnAcquired()
			return batch, nil
		}

		if item.Kind == writequeue.KindLatencySamplePing {
			t.pings.Record(item.SampleID, time.Now())
		}

		batch = append(batch, header[:]...)
		batch = append(batch, data...)
		t.queue.ReleaseAcquired()

		if len(batch) >= maxWriteBatchBytes {
			return batch, nil
		}
	}
}

func (t *Transport) handleReceivedMessage(env *protocol.Envelope) {
	if env.Tag == protocol.TagClientHelloAccepted {
		var accepted protocol.ClientHelloAccepted
		if err := protocol.UnmarshalMsgpack(env.Body, &accepted); err == nil {
			t.queue.SetCompressionEnabled(accepted.EnableCompression)
		}
	}
	t.sink.OnReceive(env)
}
