// Package writequeue implements the ordered, thread-safe outbox of
// heterogeneous items a StreamTransport drains into the socket: data
// packets, pings, pongs, latency-sample pings, fences, info events, and
// a close marker (spec §4.3). Pooled buffers avoid per-message
// allocation on the hot path, following the teacher's sync.Pool-backed
// frame encoder (internal/protocol/wire.go in the teacher repo).
package writequeue

import (
	"fmt"
	"sync"

	"github.com/ruistola/metaplaytest-netcore/internal/wireproto"
)

// ItemKind tags the variant an OutgoingItem carries.
type ItemKind int

const (
	KindMessage ItemKind = iota
	KindPing
	KindPong
	KindLatencySamplePing
	KindFence
	KindInfo
	KindClose
)

func (k ItemKind) isDataBearing() bool {
	switch k {
	case KindMessage, KindPing, KindPong, KindLatencySamplePing:
		return true
	default:
		return false
	}
}

// pooledBuffer is a rented scratch buffer; refCount tracks how many
// still-unconsumed items point into it so only the last reference
// returns it to the pool.
type pooledBuffer struct {
	data     []byte
	used     int
	refCount int
}

const minPooledBufferSize = 4 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		return &pooledBuffer{data: make([]byte, 0, minPooledBufferSize)}
	},
}

func rentBuffer(minSize int) *pooledBuffer {
	pb := bufferPool.Get().(*pooledBuffer)
	pb.used = 0
	pb.refCount = 0
	if cap(pb.data) < minSize {
		size := minPooledBufferSize
		if minSize > size {
			size = minSize
		}
		pb.data = make([]byte, 0, size)
	} else {
		pb.data = pb.data[:0]
	}
	return pb
}

func returnBuffer(pb *pooledBuffer) {
	bufferPool.Put(pb)
}

// SendBufferRef points at a span inside a pooled buffer. Several refs
// may share one buffer; release() drops this ref's share and returns
// the buffer to the pool only once every ref into it has done so.
type SendBufferRef struct {
	buffer *pooledBuffer
	Start  int
	Length int
}

// Bytes returns the referenced span.
func (r SendBufferRef) Bytes() []byte {
	return r.buffer.data[r.Start : r.Start+r.Length]
}

func (r SendBufferRef) release() {
	r.buffer.refCount--
	if r.buffer.refCount <= 0 {
		returnBuffer(r.buffer)
	}
}

// PacketEncoding describes how to frame a data-bearing item's bytes:
// its packet type and whether it is eligible for compression (only
// Message packets are).
type PacketEncoding struct {
	Type         wireproto.PacketType
	AllowCompress bool
}

// Item is one entry in the write queue.
type Item struct {
	Kind ItemKind

	// Data-bearing kinds.
	Ref      SendBufferRef
	Encoding PacketEncoding
	// Compression is the compression flag already baked into Ref's
	// bytes (set when the item was enqueued); the writer must frame
	// the packet header with this value, not recompute it.
	Compression wireproto.Compression

	// KindFence: closed when the fence has reached the socket.
	FenceDone chan struct{}
	// KindInfo: an opaque side-band event re-dispatched by the pump.
	Info interface{}
	// KindClose: the payload accompanying EnqueuedClose.
	ClosePayload []byte
	// KindLatencySamplePing: correlation id embedded in the ping body.
	SampleID uint32
}

// Errors returned by enqueue operations, per the "reject post-close and
// post-dispose with distinct failure kinds" requirement of spec §4.3.
var (
	ErrCloseEnqueued = fmt.Errorf("writequeue: a close has already been enqueued")
	ErrDisposed      = fmt.Errorf("writequeue: queue has been disposed")
	ErrTooLarge      = fmt.Errorf("writequeue: message exceeds uncompressed size cap")
)

// Queue is the thread-safe ordered outbox.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	closed bool
	disposed bool

	compressionEnabled bool

	// currentBuffer is the pooled buffer new data-bearing enqueues try
	// to append into before renting a fresh one.
	currentBuffer *pooledBuffer

	// waiter is a single-slot, idempotent-release wakeup: a buffered
	// channel of capacity 1. A send that finds the channel full is a
	// no-op, so a pending wakeup is never lost and never double-counted.
	waiter chan struct{}

	// acquired is the item currently checked out by the single consumer
	// (the transport pump), or nil. Its buffer holds one reference until
	// ReleaseAcquired releases it, same as any other still-live ref, so
	// Dispose does not need to special-case it.
	acquired *Item
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		waiter: make(chan struct{}, 1),
	}
}

// SetCompressionEnabled toggles whether future EnqueueMessage calls may
// deflate eligible payloads (spec §4.8.4: toggled on ClientHelloAccepted).
func (q *Queue) SetCompressionEnabled(enabled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.compressionEnabled = enabled
}

func (q *Queue) notify() {
	select {
	case q.waiter <- struct{}{}:
	default:
	}
}

// NextAvailable returns a channel that receives once the queue becomes
// non-empty. At most one outstanding waiter is meaningful; the pump
// calls this once per iteration and discards the channel after reading
// (or not reading) from it once.
func (q *Queue) NextAvailable() <-chan struct{} {
	q.mu.Lock()
	nonEmpty := len(q.items) > 0
	q.mu.Unlock()
	if nonEmpty {
		// Already fired: hand back an already-ready channel.
		ready := make(chan struct{}, 1)
		ready <- struct{}{}
		return ready
	}
	return q.waiter
}

func (q *Queue) enqueueLocked(item *Item) error {
	if q.disposed {
		return ErrDisposed
	}
	if q.closed {
		return ErrCloseEnqueued
	}
	q.items = append(q.items, item)
	q.notify()
	return nil
}

// reserveSpace allocates `size` bytes inside the queue's current pooled
// buffer if it fits, otherwise rents a new one (min 4 KiB). The
// returned ref holds one reference on the buffer's refCount; its
// release() call drops that reference and returns the buffer to the
// pool once every ref sharing it has released.
func (q *Queue) reserveSpace(size int) SendBufferRef {
	// A current buffer whose refCount has dropped to zero was already
	// returned to the pool by its last release and is not reused.
	if q.currentBuffer == nil || q.currentBuffer.refCount == 0 || cap(q.currentBuffer.data)-len(q.currentBuffer.data) < size {
		q.currentBuffer = rentBuffer(size)
	}
	pb := q.currentBuffer
	start := len(pb.data)
	pb.data = pb.data[:start+size]
	pb.refCount++
	return SendBufferRef{buffer: pb, Start: start, Length: size}
}

// EnqueueMessage serializes an already-encoded application payload
// (the out-of-scope serializer has already run) into the queue,
// enforcing size caps and compressing when eligible. It returns the
// number of uncompressed bytes accepted.
func (q *Queue) EnqueueMessage(payload []byte) (int, error) {
	if len(payload) > wireproto.MaxUncompressedPayload {
		return 0, ErrTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	wireBytes := payload
	comp := wireproto.CompressionNone
	if wireproto.ShouldCompress(q.compressionEnabled, len(payload)) {
		deflated, err := wireproto.Deflate(payload)
		if err != nil {
			return 0, err
		}
		if len(deflated) > wireproto.MaxWirePayload {
			return 0, wireproto.ErrWireMessageTooLarge
		}
		wireBytes = deflated
		comp = wireproto.CompressionDeflate
	} else if len(wireBytes) > wireproto.MaxWirePayload {
		return 0, wireproto.ErrWireMessageTooLarge
	}

	ref := q.reserveSpace(len(wireBytes))
	copy(ref.Bytes(), wireBytes)

	item := &Item{
		Kind: KindMessage,
		Ref:  ref,
		Encoding: PacketEncoding{
			Type:          wireproto.PacketMessage,
			AllowCompress: true,
		},
		Compression: comp,
	}
	if err := q.enqueueLocked(item); err != nil {
		ref.release()
		return 0, err
	}
	return len(payload), nil
}

// EnqueuePing32 enqueues a 4-byte keep-alive ping carrying an arbitrary
// nonce.
func (q *Queue) EnqueuePing32(nonce uint32) error {
	buf := make([]byte, 4)
	buf[0] = byte(nonce >> 24)
	buf[1] = byte(nonce >> 16)
	buf[2] = byte(nonce >> 8)
	buf[3] = byte(nonce)

	q.mu.Lock()
	defer q.mu.Unlock()
	ref := q.reserveSpace(len(buf))
	copy(ref.Bytes(), buf)
	return q.enqueueLocked(&Item{Kind: KindPing, Ref: ref, Encoding: PacketEncoding{Type: wireproto.PacketPing}})
}

// EnqueuePong enqueues a pong echoing the given payload.
func (q *Queue) EnqueuePong(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ref := q.reserveSpace(len(payload))
	copy(ref.Bytes(), payload)
	return q.enqueueLocked(&Item{Kind: KindPong, Ref: ref, Encoding: PacketEncoding{Type: wireproto.PacketPingResponse}})
}

// PingMagic is the fixed lower-32-bit tag embedded in every latency
// sample ping (spec §3 PingCorrelation).
const PingMagic uint32 = 0x1234ABAB

// EnqueueLatencySamplePing64 enqueues an 8-byte ping whose lower 32
// bits are PingMagic and whose upper 32 bits are sampleID.
func (q *Queue) EnqueueLatencySamplePing64(sampleID uint32) error {
	buf := make([]byte, 8)
	buf[0] = byte(PingMagic & 0xFF)
	buf[1] = byte(PingMagic >> 8 & 0xFF)
	buf[2] = byte(PingMagic >> 16 & 0xFF)
	buf[3] = byte(PingMagic >> 24)
	buf[4] = byte(sampleID)
	buf[5] = byte(sampleID >> 8)
	buf[6] = byte(sampleID >> 16)
	buf[7] = byte(sampleID >> 24)

	q.mu.Lock()
	defer q.mu.Unlock()
	ref := q.reserveSpace(len(buf))
	copy(ref.Bytes(), buf)
	return q.enqueueLocked(&Item{
		Kind:     KindLatencySamplePing,
		Ref:      ref,
		Encoding: PacketEncoding{Type: wireproto.PacketPing},
		SampleID: sampleID,
	})
}

// EnqueueFence inserts a marker the pump closes once every preceding
// write has hit the socket. The returned channel closes on completion.
func (q *Queue) EnqueueFence() (<-chan struct{}, error) {
	done := make(chan struct{})
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.enqueueLocked(&Item{Kind: KindFence, FenceDone: done}); err != nil {
		return nil, err
	}
	return done, nil
}

// EnqueueInfo inserts a side-band event the pump re-dispatches in order
// relative to writes.
func (q *Queue) EnqueueInfo(info interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(&Item{Kind: KindInfo, Info: info})
}

// EnqueueClose sets the close flag; further enqueues fail with
// ErrCloseEnqueued.
func (q *Queue) EnqueueClose(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrDisposed
	}
	if q.closed {
		return ErrCloseEnqueued
	}
	q.items = append(q.items, &Item{Kind: KindClose, ClosePayload: payload})
	q.closed = true
	q.notify()
	return nil
}

// TryAcquireNext checks out the head item for the single consumer. It
// returns (nil, false) when empty.
func (q *Queue) TryAcquireNext() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.acquired = item
	return item, true
}

// ReleaseAcquired drops the checked-out item's reference to its pooled
// buffer, returning the buffer to the pool once every ref sharing it
// (including any already released by Dispose) has done the same.
func (q *Queue) ReleaseAcquired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.acquired
	q.acquired = nil

	if item != nil && item.Kind.isDataBearing() {
		item.Ref.release()
	}
}

// ReturnAcquired puts the checked-out item back at the head of the
// queue (used when the pump decides not to batch it after all, per
// spec §4.8.3).
func (q *Queue) ReturnAcquired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.acquired
	q.acquired = nil
	if item == nil {
		return
	}
	q.items = append([]*Item{item}, q.items...)
}

// Dispose clears outstanding entries and releases their pool
// references. An item still checked out by the consumer keeps its
// buffer reference alive until the consumer calls ReleaseAcquired,
// the same refcounted ownership every other ref already has, so no
// separate transfer bookkeeping is needed.
func (q *Queue) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return
	}
	q.disposed = true

	for _, item := range q.items {
		if item.Kind.isDataBearing() {
			item.Ref.release()
		}
		if item.Kind == KindFence && item.FenceDone != nil {
			close(item.FenceDone)
		}
	}
	q.items = nil

	// The current buffer goes back to the pool through its last ref's
	// release, like every other pooled buffer.
	q.currentBuffer = nil
}

// Len reports the number of items currently queued (diagnostic only).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
