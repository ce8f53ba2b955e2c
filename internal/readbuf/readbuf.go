// Package readbuf implements a growable single-producer/single-consumer
// byte buffer that frames packets out of a raw inbound byte stream
// (spec §4.2).
package readbuf

import (
	"fmt"

	"github.com/ruistola/metaplaytest-netcore/internal/wireproto"
)

const minGrowth = 1024 // grow in 1 KiB multiples, per spec §4.2

// ErrUnknownPacketType is returned by TryReadNext when a frame carries
// a packet type the caller does not recognize.
var ErrUnknownPacketType = fmt.Errorf("readbuf: unknown packet type")

// Frame is a fully-received packet, with its payload already
// decompressed if needed.
type Frame struct {
	Type    wireproto.PacketType
	Payload []byte
}

// Buffer is a growable byte buffer with independent read/write cursors.
// It is NOT safe for concurrent use; it is owned by a single transport
// pump goroutine.
type Buffer struct {
	buf            []byte
	readPos        int
	writePos       int
	anticipated    int // hint for the next BeginReceive span
}

// New creates a Buffer with an initial capacity.
func New(initialCapacity int) *Buffer {
	if initialCapacity < minGrowth {
		initialCapacity = minGrowth
	}
	return &Buffer{
		buf:         make([]byte, initialCapacity),
		anticipated: wireproto.PacketHeaderSize,
	}
}

// BeginReceive returns a writable slice of length >= the current
// anticipated-frame-size hint, growing or compacting the buffer first
// if needed.
func (b *Buffer) BeginReceive() []byte {
	needed := b.anticipated
	if needed < wireproto.PacketHeaderSize {
		needed = wireproto.PacketHeaderSize
	}

	available := len(b.buf) - b.writePos
	if available < needed {
		b.growOrCompact(needed)
	}
	return b.buf[b.writePos:]
}

// EndReceive advances the write cursor by n bytes, the number actually
// filled by the last read into the slice BeginReceive returned.
func (b *Buffer) EndReceive(n int) {
	b.writePos += n
}

// TryReadNext decodes at most one fully-framed packet. It returns
// (nil, nil) when there isn't a complete frame buffered yet.
//
// Per spec §4.2, the payload size cap is NOT enforced here: the header
// is decoded with enforceLimit=false, and the wire cap is enforced by
// the encoder only; this matches the original design's note that the
// reader only needs to know how many bytes to wait for.
func (b *Buffer) TryReadNext() (*Frame, error) {
	readable := b.writePos - b.readPos
	if readable < wireproto.PacketHeaderSize {
		return nil, nil
	}

	hdr, err := wireproto.DecodePacketHeader(b.buf[b.readPos:b.readPos+wireproto.PacketHeaderSize], false)
	if err != nil {
		return nil, err
	}

	framedSize := wireproto.PacketHeaderSize + int(hdr.PayloadSize)
	if framedSize > readable {
		b.anticipated = framedSize
		return nil, nil
	}

	payloadStart := b.readPos + wireproto.PacketHeaderSize
	payloadEnd := payloadStart + int(hdr.PayloadSize)
	wireBytes := b.buf[payloadStart:payloadEnd]

	b.readPos += framedSize
	b.anticipated = wireproto.PacketHeaderSize
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}

	switch hdr.Type {
	case wireproto.PacketMessage:
		payload, err := wireproto.DecodeBody(hdr.Compression, wireBytes)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: hdr.Type, Payload: payload}, nil
	case wireproto.PacketPing, wireproto.PacketPingResponse, wireproto.PacketHealthCheck:
		// Ping-family frames carry raw, never-compressed payloads.
		cp := make([]byte, len(wireBytes))
		copy(cp, wireBytes)
		return &Frame{Type: hdr.Type, Payload: cp}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// growOrCompact first tries cheap in-place compaction (moving the
// unread span to offset 0); only if that isn't sufficient does it
// allocate a new, larger buffer sized up to the next 1 KiB multiple of
// what's required.
func (b *Buffer) growOrCompact(needed int) {
	unread := b.writePos - b.readPos

	if b.readPos > 0 {
		copy(b.buf, b.buf[b.readPos:b.writePos])
		b.readPos = 0
		b.writePos = unread
	}

	if len(b.buf)-b.writePos >= needed {
		return
	}

	required := b.writePos + needed
	newSize := ((required + minGrowth - 1) / minGrowth) * minGrowth
	newBuf := make([]byte, newSize)
	copy(newBuf, b.buf[:b.writePos])
	b.buf = newBuf
}
