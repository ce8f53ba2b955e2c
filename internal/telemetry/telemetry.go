// Package telemetry is the module's structured-logging and metrics
// collaborator (spec §1's out-of-scope "log sinks", made concrete):
// a log/slog.Logger built from config.LogConfig plus the lightweight
// atomic counters Connection's lifecycle events feed.
//
// Grounded in the teacher's internal/server/metrics.go: atomic
// counters and a sync.Map of string-keyed counters, exposed as
// Prometheus text exposition format, repurposed from per-HTTP-request
// counters to per-connection-lifecycle counters.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
)

// NewLogger builds a slog.Logger from cfg, following the teacher's
// level/format/output config block.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// Metrics collects counters for one Connection's lifecycle: dial
// attempts, handshake outcomes, resumes, bytes transferred, and
// latency samples. All fields are safe for concurrent use from the
// transport pump and the connection orchestrator.
type Metrics struct {
	connectAttempts  atomic.Int64
	connectSuccesses atomic.Int64
	connectFailures  atomic.Int64

	resumeAttempts  atomic.Int64
	resumeSuccesses atomic.Int64
	resumeFailures  atomic.Int64

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64

	latencySumNs atomic.Int64
	latencyCount atomic.Int64
}

// New creates an empty Metrics collector.
func New() *Metrics { return &Metrics{} }

// RecordConnectAttempt/RecordConnectSuccess/RecordConnectFailure track
// the initial and resume dial/handshake pipeline (spec §4.10).
func (m *Metrics) RecordConnectAttempt()  { m.connectAttempts.Add(1) }
func (m *Metrics) RecordConnectSuccess()  { m.connectSuccesses.Add(1) }
func (m *Metrics) RecordConnectFailure()  { m.connectFailures.Add(1) }
func (m *Metrics) RecordResumeAttempt()   { m.resumeAttempts.Add(1) }
func (m *Metrics) RecordResumeSuccess()   { m.resumeSuccesses.Add(1) }
func (m *Metrics) RecordResumeFailure()   { m.resumeFailures.Add(1) }

// RecordSend/RecordReceive track application payload bytes and message
// counts, before framing and compression.
func (m *Metrics) RecordSend(n int)    { m.bytesSent.Add(int64(n)); m.messagesSent.Add(1) }
func (m *Metrics) RecordReceive(n int) { m.bytesReceived.Add(int64(n)); m.messagesReceived.Add(1) }

// RecordLatencySample folds one round-trip latency sample into the
// running sum/count used by Snapshot's average (spec §4.9's
// LatencySampleInfo / try_enqueue_latency_sample).
func (m *Metrics) RecordLatencySample(d time.Duration) {
	m.latencySumNs.Add(int64(d))
	m.latencyCount.Add(1)
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	ConnectAttempts, ConnectSuccesses, ConnectFailures int64
	ResumeAttempts, ResumeSuccesses, ResumeFailures     int64
	BytesSent, BytesReceived                            int64
	MessagesSent, MessagesReceived                      int64
	AverageLatency                                      time.Duration
}

// Snapshot reads every counter without resetting it.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		ConnectAttempts:  m.connectAttempts.Load(),
		ConnectSuccesses: m.connectSuccesses.Load(),
		ConnectFailures:  m.connectFailures.Load(),
		ResumeAttempts:   m.resumeAttempts.Load(),
		ResumeSuccesses:  m.resumeSuccesses.Load(),
		ResumeFailures:   m.resumeFailures.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
	}
	if count := m.latencyCount.Load(); count > 0 {
		s.AverageLatency = time.Duration(m.latencySumNs.Load() / count)
	}
	return s
}

// WriteText renders the current snapshot in Prometheus text exposition
// format, the same shape as the teacher's serveMetrics, so this module
// can be scraped the same way the teacher's HTTP server was without
// this module needing to own an HTTP listener of its own.
func (m *Metrics) WriteText(w io.Writer) {
	s := m.Snapshot()
	fmt.Fprintln(w, "# HELP netcore_connect_attempts_total Total connect attempts.")
	fmt.Fprintln(w, "# TYPE netcore_connect_attempts_total counter")
	fmt.Fprintf(w, "netcore_connect_attempts_total %d\n", s.ConnectAttempts)

	fmt.Fprintln(w, "# HELP netcore_connect_successes_total Total successful connects.")
	fmt.Fprintln(w, "# TYPE netcore_connect_successes_total counter")
	fmt.Fprintf(w, "netcore_connect_successes_total %d\n", s.ConnectSuccesses)

	fmt.Fprintln(w, "# HELP netcore_resume_attempts_total Total session resume attempts.")
	fmt.Fprintln(w, "# TYPE netcore_resume_attempts_total counter")
	fmt.Fprintf(w, "netcore_resume_attempts_total %d\n", s.ResumeAttempts)

	fmt.Fprintln(w, "# HELP netcore_bytes_sent_total Total application bytes sent.")
	fmt.Fprintln(w, "# TYPE netcore_bytes_sent_total counter")
	fmt.Fprintf(w, "netcore_bytes_sent_total %d\n", s.BytesSent)

	fmt.Fprintln(w, "# HELP netcore_bytes_received_total Total application bytes received.")
	fmt.Fprintln(w, "# TYPE netcore_bytes_received_total counter")
	fmt.Fprintf(w, "netcore_bytes_received_total %d\n", s.BytesReceived)

	fmt.Fprintln(w, "# HELP netcore_latency_average_seconds Average sampled round-trip latency.")
	fmt.Fprintln(w, "# TYPE netcore_latency_average_seconds gauge")
	fmt.Fprintf(w, "netcore_latency_average_seconds %.6f\n", s.AverageLatency.Seconds())
}
