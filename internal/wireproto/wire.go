// Package wireproto implements the bit-exact packet and protocol header
// codec that frames every byte exchanged with a game backend: a 4-byte
// packet header (type, compression, payload size) optionally followed
// by a deflate-compressed payload, and the 8-byte protocol header sent
// once by the server at the start of a new connection.
package wireproto

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sync"
)

// PacketType occupies bits 0-2 of the packet header flags byte.
type PacketType uint8

const (
	PacketNone         PacketType = 0
	PacketMessage      PacketType = 1
	PacketPing         PacketType = 2
	PacketPingResponse PacketType = 3
	PacketHealthCheck  PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case PacketNone:
		return "None"
	case PacketMessage:
		return "Message"
	case PacketPing:
		return "Ping"
	case PacketPingResponse:
		return "PingResponse"
	case PacketHealthCheck:
		return "HealthCheck"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Compression occupies bits 3-4 of the packet header flags byte.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionDeflate Compression = 1
)

const (
	// PacketHeaderSize is the fixed size, in bytes, of a packet header.
	PacketHeaderSize = 4
	// ProtocolHeaderSize is the fixed size, in bytes, of the protocol
	// header sent once by the server at connection start.
	ProtocolHeaderSize = 8

	// MaxWirePayload is the hard cap on the on-wire (post-compression)
	// payload size enforced by the decoder when asked to, and always by
	// the encoder.
	MaxWirePayload = 1 << 20 // 1 MiB
	// MaxUncompressedPayload is the cap on the pre-compression payload
	// size, enforced by the encoder against the buffer it is asked to
	// frame.
	MaxUncompressedPayload = 5 << 20 // 5 MiB

	// CompressionThreshold is the minimum pre-compression payload size
	// eligible for deflate; smaller payloads are never compressed.
	CompressionThreshold = 10 * 1024

	// ProtocolWireVersion is the single wire version this client speaks.
	ProtocolWireVersion uint8 = 1
)

// ProtocolStatus is the server-reported cluster/connection status carried
// in the protocol header.
type ProtocolStatus uint8

const (
	StatusPending                     ProtocolStatus = 0
	StatusInvalidGameMagic             ProtocolStatus = 1
	StatusWireProtocolVersionMismatch ProtocolStatus = 2
	StatusClusterRunning              ProtocolStatus = 3
	StatusClusterStarting              ProtocolStatus = 4
	StatusClusterShuttingDown         ProtocolStatus = 5
	StatusInMaintenance               ProtocolStatus = 6 // deprecated
)

func (s ProtocolStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInvalidGameMagic:
		return "InvalidGameMagic"
	case StatusWireProtocolVersionMismatch:
		return "WireProtocolVersionMismatch"
	case StatusClusterRunning:
		return "ClusterRunning"
	case StatusClusterStarting:
		return "ClusterStarting"
	case StatusClusterShuttingDown:
		return "ClusterShuttingDown"
	case StatusInMaintenance:
		return "InMaintenance"
	default:
		return fmt.Sprintf("ProtocolStatus(%d)", uint8(s))
	}
}

// PacketHeader is the 4-byte header prefixing every packet.
type PacketHeader struct {
	Type        PacketType
	Compression Compression
	PayloadSize uint32 // u24 on the wire
}

// ErrInvalidHeader is returned when a packet header fails to decode.
var ErrInvalidHeader = fmt.Errorf("wireproto: invalid packet header")

// ErrWireMessageTooLarge is returned when an on-wire payload exceeds
// MaxWirePayload.
var ErrWireMessageTooLarge = fmt.Errorf("wireproto: message exceeds %d bytes on the wire", MaxWirePayload)

// ErrUncompressedMessageTooLarge is returned when a pre-compression
// payload exceeds MaxUncompressedPayload.
var ErrUncompressedMessageTooLarge = fmt.Errorf("wireproto: message exceeds %d bytes uncompressed", MaxUncompressedPayload)

// EncodePacketHeader composes the flags byte and big-endian u24 size
// into a 4-byte header.
func EncodePacketHeader(typ PacketType, comp Compression, payloadSize uint32) ([PacketHeaderSize]byte, error) {
	var out [PacketHeaderSize]byte
	if payloadSize > MaxWirePayload {
		return out, ErrWireMessageTooLarge
	}
	out[0] = byte(typ&0x07) | byte((comp&0x03)<<3)
	out[1] = byte(payloadSize >> 16)
	out[2] = byte(payloadSize >> 8)
	out[3] = byte(payloadSize)
	return out, nil
}

// DecodePacketHeader parses a 4-byte header. When enforceLimit is true,
// payload sizes above MaxWirePayload are rejected.
func DecodePacketHeader(buf []byte, enforceLimit bool) (PacketHeader, error) {
	if len(buf) < PacketHeaderSize {
		return PacketHeader{}, ErrInvalidHeader
	}
	flags := buf[0]
	h := PacketHeader{
		Type:        PacketType(flags & 0x07),
		Compression: Compression((flags >> 3) & 0x03),
		PayloadSize: uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
	}
	if enforceLimit && h.PayloadSize > MaxWirePayload {
		return PacketHeader{}, ErrWireMessageTooLarge
	}
	return h, nil
}

// ProtocolHeader is the first 8 bytes the server sends on a new
// connection.
type ProtocolHeader struct {
	Magic      [4]byte
	WireVersion uint8
	Status     ProtocolStatus
}

// ParseProtocolHeader validates the magic and version before returning
// the server-reported status. Magic mismatch and version mismatch are
// distinguished from a merely-not-ready status.
func ParseProtocolHeader(buf []byte, expectedMagic [4]byte) (ProtocolStatus, error) {
	if len(buf) < ProtocolHeaderSize {
		return 0, ErrInvalidHeader
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != expectedMagic {
		return StatusInvalidGameMagic, nil
	}
	version := buf[4]
	if version != ProtocolWireVersion {
		return StatusWireProtocolVersionMismatch, nil
	}
	return ProtocolStatus(buf[5]), nil
}

// headerBufPool pools scratch header buffers for EncodeFrame, mirroring
// the teacher's pooled-header-buffer trick for small control frames.
var headerBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, PacketHeaderSize+256)
		return &b
	},
}

// EncodeFrame frames payload as a single packet: header, then payload
// bytes (compressed first if eligible). It enforces both size caps
// against the pre- and post-compression sizes respectively.
//
// compress controls whether compression is attempted at all (the caller
// disables it until the server has advertised support). Payloads
// smaller than CompressionThreshold are never compressed regardless.
func EncodeFrame(w io.Writer, typ PacketType, payload []byte, compress bool) error {
	if len(payload) > MaxUncompressedPayload {
		return ErrUncompressedMessageTooLarge
	}

	comp := CompressionNone
	wirePayload := payload
	if ShouldCompress(compress, len(payload)) {
		deflated, err := Deflate(payload)
		if err != nil {
			return err
		}
		comp = CompressionDeflate
		wirePayload = deflated
	}

	header, err := EncodePacketHeader(typ, comp, uint32(len(wirePayload)))
	if err != nil {
		return err
	}

	bp := headerBufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	total := PacketHeaderSize + len(wirePayload)
	if cap(buf) < total {
		buf = make([]byte, 0, total)
	}
	buf = append(buf, header[:]...)
	buf = append(buf, wirePayload...)

	_, werr := w.Write(buf)

	*bp = buf
	headerBufPool.Put(bp)

	if werr != nil {
		return fmt.Errorf("wireproto: writing frame: %w", werr)
	}
	return nil
}

// Deflate compresses payload with RFC 1951 deflate at the default
// compression level.
func Deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("wireproto: creating deflate writer: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, fmt.Errorf("wireproto: deflating payload: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("wireproto: closing deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBody inflates the wire payload if comp indicates compression,
// and returns the uncompressed bytes.
func DecodeBody(comp Compression, wireBytes []byte) ([]byte, error) {
	if comp == CompressionNone {
		return wireBytes, nil
	}
	if comp != CompressionDeflate {
		return nil, fmt.Errorf("wireproto: unknown compression flag %d", comp)
	}
	fr := flate.NewReader(bytes.NewReader(wireBytes))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("wireproto: inflating payload: %w", err)
	}
	return out, nil
}

// ShouldCompress reports whether a pre-compression payload of the given
// size is eligible for deflate under the compression threshold rule.
func ShouldCompress(enabled bool, uncompressedSize int) bool {
	return enabled && uncompressedSize >= CompressionThreshold
}
