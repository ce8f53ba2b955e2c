// PingTracker correlates outgoing latency-sample pings with their
// incoming pongs by the sample id embedded in the 8-byte ping payload
// (spec §3 PingCorrelation, component C9).
package transport

import (
	"sync"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/writequeue"
)

// PingTracker records the send time of every outstanding latency
// sample and matches it against the echoed pong payload.
type PingTracker struct {
	mu     sync.Mutex
	sentAt map[uint32]time.Time
}

// NewPingTracker creates an empty tracker.
func NewPingTracker() *PingTracker {
	return &PingTracker{sentAt: make(map[uint32]time.Time)}
}

// Record notes that sampleID's ping left the socket at sentAt.
func (t *PingTracker) Record(sampleID uint32, sentAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentAt[sampleID] = sentAt
}

// Match decodes an 8-byte PingResponse payload and, if it carries
// PingMagic and a known sample id, removes and returns that entry.
func (t *PingTracker) Match(payload []byte) (sampleID uint32, sentAt time.Time, ok bool) {
	if len(payload) != 8 {
		return 0, time.Time{}, false
	}
	magic := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	if magic != writequeue.PingMagic {
		return 0, time.Time{}, false
	}
	id := uint32(payload[4]) | uint32(payload[5])<<8 | uint32(payload[6])<<16 | uint32(payload[7])<<24

	t.mu.Lock()
	defer t.mu.Unlock()
	at, found := t.sentAt[id]
	if !found {
		return 0, time.Time{}, false
	}
	delete(t.sentAt, id)
	return id, at, true
}
