package transport

import "time"

// ThreadCycleUpdateInfo is emitted once per pump iteration as a
// watchdog heartbeat (spec §4.8.2 step 1).
type ThreadCycleUpdateInfo struct {
	At time.Time
}

// WriteDurationWarningInfo brackets a slow write: Begin=true when the
// warning threshold is first crossed, Begin=false when the write
// eventually completes.
type WriteDurationWarningInfo struct {
	Begin bool
	At    time.Time
}

// ReadDurationWarningInfo is the read-side counterpart of
// WriteDurationWarningInfo.
type ReadDurationWarningInfo struct {
	Begin bool
	At    time.Time
}

// LatencySampleInfo reports a completed ping/pong round trip correlated
// by PingTracker (spec §3 PingCorrelation).
type LatencySampleInfo struct {
	SampleID      uint32
	SentAt        time.Time
	PongReceivedAt time.Time
}

// HandshakeReport summarizes the connection that was just established,
// delivered alongside ServerHello in OnConnect.
type HandshakeReport struct {
	ConnectedAt time.Time
	Protocol    string // "tcp", "tcp+tls", or "websocket"
}
