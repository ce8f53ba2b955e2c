package wireproto

import (
	"bytes"
	"testing"
)

func TestPacketHeaderRoundtrip(t *testing.T) {
	tests := []struct {
		name        string
		typ         PacketType
		comp        Compression
		payloadSize uint32
	}{
		{"message, no compression", PacketMessage, CompressionNone, 128},
		{"message, deflate", PacketMessage, CompressionDeflate, 4096},
		{"ping", PacketPing, CompressionNone, 4},
		{"zero size", PacketHealthCheck, CompressionNone, 0},
		{"at on-wire cap", PacketMessage, CompressionNone, MaxWirePayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr, err := EncodePacketHeader(tt.typ, tt.comp, tt.payloadSize)
			if err != nil {
				t.Fatalf("EncodePacketHeader: %v", err)
			}
			got, err := DecodePacketHeader(hdr[:], true)
			if err != nil {
				t.Fatalf("DecodePacketHeader: %v", err)
			}
			if got.Type != tt.typ {
				t.Errorf("Type: got %v, want %v", got.Type, tt.typ)
			}
			if got.Compression != tt.comp {
				t.Errorf("Compression: got %v, want %v", got.Compression, tt.comp)
			}
			if got.PayloadSize != tt.payloadSize {
				t.Errorf("PayloadSize: got %d, want %d", got.PayloadSize, tt.payloadSize)
			}
		})
	}
}

func TestPacketHeaderOverCapRejected(t *testing.T) {
	if _, err := EncodePacketHeader(PacketMessage, CompressionNone, MaxWirePayload+1); err != ErrWireMessageTooLarge {
		t.Fatalf("expected ErrWireMessageTooLarge, got %v", err)
	}
}

func TestDecodePacketHeaderEnforcesLimit(t *testing.T) {
	hdr, err := EncodePacketHeader(PacketMessage, CompressionNone, MaxWirePayload)
	if err != nil {
		t.Fatalf("EncodePacketHeader: %v", err)
	}
	// Bump the size field by one past the cap without going through the
	// encoder's own check.
	hdr[1], hdr[2], hdr[3] = byte((MaxWirePayload+1)>>16&0xFF), byte((MaxWirePayload+1)>>8&0xFF), byte((MaxWirePayload+1)&0xFF)
	if _, err := DecodePacketHeader(hdr[:], true); err != ErrWireMessageTooLarge {
		t.Fatalf("expected ErrWireMessageTooLarge, got %v", err)
	}
	if _, err := DecodePacketHeader(hdr[:], false); err != nil {
		t.Fatalf("expected no enforcement when enforceLimit=false, got %v", err)
	}
}

func TestParseProtocolHeader(t *testing.T) {
	magic := [4]byte{'G', 'A', 'M', 'E'}

	buf := append([]byte{}, magic[:]...)
	buf = append(buf, ProtocolWireVersion, byte(StatusClusterRunning), 0, 0)
	status, err := ParseProtocolHeader(buf, magic)
	if err != nil {
		t.Fatalf("ParseProtocolHeader: %v", err)
	}
	if status != StatusClusterRunning {
		t.Errorf("status: got %v, want ClusterRunning", status)
	}

	badMagic := append([]byte{}, []byte("ABCD")...)
	badMagic = append(badMagic, 10, byte(StatusClusterShuttingDown), 0, 0)
	status, err = ParseProtocolHeader(badMagic, magic)
	if err != nil {
		t.Fatalf("ParseProtocolHeader: %v", err)
	}
	if status != StatusInvalidGameMagic {
		t.Errorf("status: got %v, want InvalidGameMagic", status)
	}

	badVersion := append([]byte{}, magic[:]...)
	badVersion = append(badVersion, 99, byte(StatusClusterRunning), 0, 0)
	status, err = ParseProtocolHeader(badVersion, magic)
	if err != nil {
		t.Fatalf("ParseProtocolHeader: %v", err)
	}
	if status != StatusWireProtocolVersionMismatch {
		t.Errorf("status: got %v, want WireProtocolVersionMismatch", status)
	}
}

func TestEncodeFrameRoundtripUncompressed(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello game server")
	if err := EncodeFrame(&buf, PacketMessage, payload, true); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	hdr, err := DecodePacketHeader(buf.Bytes()[:PacketHeaderSize], true)
	if err != nil {
		t.Fatalf("DecodePacketHeader: %v", err)
	}
	if hdr.Compression != CompressionNone {
		t.Fatalf("expected no compression below threshold, got %v", hdr.Compression)
	}
	body, err := DecodeBody(hdr.Compression, buf.Bytes()[PacketHeaderSize:PacketHeaderSize+int(hdr.PayloadSize)])
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body mismatch: got %q, want %q", body, payload)
	}
}

func TestEncodeFrameCompressesAboveThreshold(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{'a'}, CompressionThreshold)
	if err := EncodeFrame(&buf, PacketMessage, payload, true); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	hdr, err := DecodePacketHeader(buf.Bytes()[:PacketHeaderSize], true)
	if err != nil {
		t.Fatalf("DecodePacketHeader: %v", err)
	}
	if hdr.Compression != CompressionDeflate {
		t.Fatalf("expected deflate at/above threshold, got %v", hdr.Compression)
	}

	body, err := DecodeBody(hdr.Compression, buf.Bytes()[PacketHeaderSize:PacketHeaderSize+int(hdr.PayloadSize)])
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body mismatch after inflate")
	}
}

func TestEncodeFrameBelowThresholdNeverCompressed(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{'a'}, CompressionThreshold-1)
	if err := EncodeFrame(&buf, PacketMessage, payload, true); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	hdr, err := DecodePacketHeader(buf.Bytes()[:PacketHeaderSize], true)
	if err != nil {
		t.Fatalf("DecodePacketHeader: %v", err)
	}
	if hdr.Compression != CompressionNone {
		t.Fatalf("expected no compression one byte below threshold, got %v", hdr.Compression)
	}
}

func TestEncodeFrameRejectsOversizedUncompressed(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxUncompressedPayload+1)
	if err := EncodeFrame(&buf, PacketMessage, payload, false); err != ErrUncompressedMessageTooLarge {
		t.Fatalf("expected ErrUncompressedMessageTooLarge, got %v", err)
	}
}
