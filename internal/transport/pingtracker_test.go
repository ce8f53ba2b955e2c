package transport

import (
	"testing"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/writequeue"
)

func encodePingPayload(sampleID uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(writequeue.PingMagic & 0xFF)
	buf[1] = byte(writequeue.PingMagic >> 8 & 0xFF)
	buf[2] = byte(writequeue.PingMagic >> 16 & 0xFF)
	buf[3] = byte(writequeue.PingMagic >> 24)
	buf[4] = byte(sampleID)
	buf[5] = byte(sampleID >> 8)
	buf[6] = byte(sampleID >> 16)
	buf[7] = byte(sampleID >> 24)
	return buf
}

func TestPingTrackerMatchesRecordedSample(t *testing.T) {
	pt := NewPingTracker()
	sentAt := time.Now()
	pt.Record(7, sentAt)

	id, at, ok := pt.Match(encodePingPayload(7))
	if !ok {
		t.Fatal("expected match")
	}
	if id != 7 || !at.Equal(sentAt) {
		t.Fatalf("unexpected match: id=%d at=%v", id, at)
	}

	if _, _, ok := pt.Match(encodePingPayload(7)); ok {
		t.Fatal("expected entry to be removed after first match")
	}
}

func TestPingTrackerRejectsUnknownSample(t *testing.T) {
	pt := NewPingTracker()
	if _, _, ok := pt.Match(encodePingPayload(99)); ok {
		t.Fatal("expected no match for unrecorded sample")
	}
}

func TestPingTrackerRejectsBadMagic(t *testing.T) {
	pt := NewPingTracker()
	pt.Record(1, time.Now())
	bad := encodePingPayload(1)
	bad[0] ^= 0xFF
	if _, _, ok := pt.Match(bad); ok {
		t.Fatal("expected no match for bad magic")
	}
}

func TestPingTrackerRejectsWrongLength(t *testing.T) {
	pt := NewPingTracker()
	if _, _, ok := pt.Match([]byte{1, 2, 3}); ok {
		t.Fatal("expected no match for short payload")
	}
}
