// Package connection implements the top-level orchestrator that owns
// the handshake/login/session state machine, watchdog, gateway
// selection, and reconnect policy described in spec §4.10 (component
// C11) and §4.10's gateway/reconnect rules (component C12).
package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
	"github.com/ruistola/metaplaytest-netcore/internal/dialer"
	"github.com/ruistola/metaplaytest-netcore/internal/dnscache"
	"github.com/ruistola/metaplaytest-netcore/internal/protocol"
	"github.com/ruistola/metaplaytest-netcore/internal/session"
	"github.com/ruistola/metaplaytest-netcore/internal/telemetry"
	"github.com/ruistola/metaplaytest-netcore/internal/transport"
	"github.com/ruistola/metaplaytest-netcore/internal/wstransport"
)

// ErrAborted is the terminal error surfaced after the caller calls
// AbortSessionAfterConnectionDrop. It is not one of spec §7's wire
// error kinds — it is purely a local "the caller gave up" sentinel.
var ErrAborted = errors.New("connection: aborted by caller after connection drop")

// LoginParams carries everything New needs to drive the login/session
// pipeline once a transport connects (spec §4.8.1 step 2 supplies the
// ClientHello itself; these are the connection-level messages that
// follow it).
type LoginParams struct {
	ClientHello             protocol.ClientHello
	Credentials             []byte // nil selects the guest-login branch
	DeviceInfo              []byte
	LoginGamePayload        []byte
	SessionStartGamePayload []byte
}

// Connection is the caller-facing orchestrator (spec §4.10, component
// C11). One Connection drives one logical game session across
// however many Transport instances it takes to keep it alive.
type Connection struct {
	cfg       *config.Config
	dialer    *dialer.Dialer
	guidStore DeviceGUIDStore
	login     LoginParams

	selector *GatewaySelector

	mu          sync.Mutex
	phase       Phase
	tr          *transport.Transport
	inbox       []Message
	terminalErr error
	lastLost    *SessionConnectionErrorLostInfo
	attemptDone chan error // signaled once by the current handshake/login attempt

	// sendQueueMu is the spec's _current_session_send_queue_lock: it
	// guards sess together with the transport enqueue path so ack
	// application and message enqueue never interleave (spec §5).
	sendQueueMu sync.Mutex
	sess        *session.SessionParticipantState

	currentGateway       config.GatewayConfig
	initialAnomalies     int
	resumeFailedAttempts int
	successfulResumes    int
	resumptionAttempt    SessionResumptionAttempt
	pendingResourceAck   *protocol.ResourceProposal
	latencySampleSeq     uint32

	wd *watchdog

	// Metrics is always non-nil; New initializes it to a fresh
	// collector the caller can read via Metrics.Snapshot at any time.
	Metrics *telemetry.Metrics
}

// New creates a Connection that has not yet dialed anything. Call
// Connect to run the initial handshake/login pipeline.
func New(cfg *config.Config, dns *dnscache.Cache, guidStore DeviceGUIDStore, login LoginParams) *Connection {
	d := dialer.New(dns, cfg.Dial.IPv4HeadStart.Duration(), cfg.Dial.DNSCacheMaxTTL.Duration(), nil)
	c := &Connection{
		cfg:       cfg,
		dialer:    d,
		guidStore: guidStore,
		login:     login,
		selector:  NewGatewaySelector(cfg.Endpoint, rand.New(rand.NewSource(time.Now().UnixNano()))),
		phase:     PhaseNotConnected,
		Metrics:   telemetry.New(),
	}
	c.wd = newWatchdog(func(kind string) { c.onWatchdogExpired(kind) })
	return c
}

// tuning projects the config's timeout/keepalive/warn knobs into the
// shape transport.Connect expects.
func (c *Connection) tuning() transport.Tuning {
	return transport.Tuning{
		Timeouts:  c.cfg.Timeouts,
		Keepalive: c.cfg.Keepalive,
		Warn:      c.cfg.Warn,
	}
}

// Connect runs the initial connect pipeline: it retries gateway
// selection/dial/handshake/login internally (spec §4.10 "Initial"
// gateway-selection rule) until login succeeds, a fatal login error
// occurs, or ctx is done. A resumable session does not exist yet, so
// unlike a post-session drop, retries here are not surfaced to the
// caller.
func (c *Connection) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		delay := NextReconnectDelay(attempt)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		gw := c.selector.SelectInitial(c.initialAnomalies)
		c.wd.arm(c.cfg.Session.WatchdogInitial.Duration())
		c.Metrics.RecordConnectAttempt()
		err := c.runAttempt(ctx, gw)
		if err == nil {
			c.Metrics.RecordConnectSuccess()
			return nil
		}
		c.Metrics.RecordConnectFailure()
		if isRetryableConnectError(err) {
			c.initialAnomalies++
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		c.setTerminal(err)
		return err
	}
}

// isRetryableConnectError reports whether err is a transport-dial/
// handshake failure worth another gateway attempt, versus a fatal
// login-protocol rejection that should propagate immediately.
func isRetryableConnectError(err error) bool {
	switch {
	case errors.As(err, new(transport.ConnectTimeoutError)):
		return true
	case errors.As(err, new(*transport.StreamIOFailedError)):
		return true
	case errors.As(err, new(transport.HeaderTimeoutError)):
		return true
	case errors.As(err, new(*transport.ClusterNotRunningError)):
		return true
	default:
		return false
	}
}

// runAttempt dials gw, runs the transport handshake, then blocks until
// the login/session pipeline either reaches InSession (nil) or fails.
func (c *Connection) runAttempt(ctx context.Context, gw config.GatewayConfig) error {
	c.mu.Lock()
	c.currentGateway = gw
	c.attemptDone = make(chan error, 1)
	c.phase = PhaseWaitHelloAccept
	c.mu.Unlock()

	var magic [4]byte
	copy(magic[:], c.cfg.GameMagic)

	params := transport.ConnectParams{
		Host:              gw.Host,
		Port:              gw.Port,
		UseTLS:            gw.EnableTLS,
		GameMagic:         magic,
		ClientHello:       c.login.ClientHello,
		Dialer:            c.dialer,
		ConnectTimeout:    c.cfg.Timeouts.Connect.Duration(),
		HeaderReadTimeout: c.cfg.Timeouts.HeaderRead.Duration(),
		Tuning:            c.tuning(),
		Sink:              (*eventSink)(c),
	}

	var tr *transport.Transport
	var err error
	if gw.Transport == "websocket" {
		tr, err = c.connectWS(ctx, gw, params)
	} else {
		tr, err = transport.Connect(ctx, params)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	// Resume-vs-initial branching happens in OnConnect, keyed off c.sess.

	select {
	case err := <-c.attemptDone:
		return err
	case <-ctx.Done():
		tr.Dispose()
		return ctx.Err()
	}
}

// connectWS dials gw over WebSocket instead of the TCP dialer/TlsAttach
// path, then runs the identical handshake sub-protocol over the
// resulting stream (spec §4.12). It builds its own ws:// or wss://
// URL from gw's host/port/TLS fields since GatewayConfig has no
// separate URL field for the alternate transport.
func (c *Connection) connectWS(ctx context.Context, gw config.GatewayConfig, params transport.ConnectParams) (*transport.Transport, error) {
	scheme := "ws"
	if gw.EnableTLS {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s:%d/ws", scheme, gw.Host, gw.Port)

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Connect.Duration())
	defer cancel()

	conn, err := wstransport.Dial(connectCtx, wsURL, nil)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return nil, transport.ConnectTimeoutError{}
		}
		return nil, &transport.StreamIOFailedError{Op: "ws_dial", Inner: err}
	}

	return transport.ConnectOverStream(ctx, conn, "websocket", params)
}

func (c *Connection) setTerminal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseError
	c.terminalErr = err
}

func (c *Connection) signalAttemptDone(err error) {
	c.mu.Lock()
	ch := c.attemptDone
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// ReceiveMessages drains and returns every message queued for the
// caller since the last call and reports the latest terminal error (if
// any) observed so far (spec §6 receive_messages). It does not re-arm
// the watchdog.
func (c *Connection) ReceiveMessages() ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out, c.terminalErr
}

// LastConnectionLostInfo returns and clears the most recent non-fatal
// transport-drop notification, if any (spec §4.10 WaitResumeAfterDrop).
func (c *Connection) LastConnectionLostInfo() *SessionConnectionErrorLostInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.lastLost
	c.lastLost = nil
	return info
}

// EnqueueSend enqueues an application payload for delivery, numbering
// it in the session layer first. It returns false if no session
// exists yet (spec §6 enqueue_send).
func (c *Connection) EnqueueSend(payload []byte) bool {
	c.sendQueueMu.Lock()
	defer c.sendQueueMu.Unlock()

	c.mu.Lock()
	tr, sess, phase := c.tr, c.sess, c.phase
	c.mu.Unlock()

	if tr == nil || sess == nil || phase != PhaseInSession {
		return false
	}

	env, err := protocol.EncodeEnvelope(protocol.TagApplicationPayload, &protocol.ApplicationPayload{Data: payload})
	if err != nil {
		return false
	}
	if _, err := tr.EnqueueSend(env); err != nil {
		return false
	}
	sess.OnSendPayload(env)
	c.Metrics.RecordSend(len(payload))
	return true
}

// EnqueueCloseAsync enqueues a close marker on the current transport,
// if any, and returns a channel that is meaningful only insofar as the
// transport existed; the actual completion signal is delivered via the
// terminal EnqueuedCloseError observed through ReceiveMessages (spec §6
// enqueue_close_async).
func (c *Connection) EnqueueCloseAsync(payload []byte) <-chan struct{} {
	done := make(chan struct{})
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		tr.EnqueueCloseAsync(payload)
	}()
	return done
}

// TryEnqueueWriteFence enqueues a write fence on the active transport
// (spec §6 try_enqueue_write_fence).
func (c *Connection) TryEnqueueWriteFence() (<-chan struct{}, bool) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return nil, false
	}
	ch, err := tr.EnqueueWriteFence()
	if err != nil {
		return nil, false
	}
	return ch, true
}

// TryEnqueueLatencySample enqueues a latency-sample ping and returns
// its correlation id (spec §6 try_enqueue_latency_sample).
func (c *Connection) TryEnqueueLatencySample() (uint32, bool) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return 0, false
	}
	c.mu.Lock()
	c.latencySampleSeq++
	id := c.latencySampleSeq
	c.mu.Unlock()
	if err := tr.EnqueueLatencySample(id); err != nil {
		return 0, false
	}
	return id, true
}

// OnApplicationResume extends the watchdog after the host application
// returns from background (spec §6 on_application_resume).
func (c *Connection) OnApplicationResume() {
	c.wd.arm(c.cfg.Session.WatchdogResume.Duration())
}

// ResumeSessionAfterConnectionDrop attempts exactly one reconnect+resume
// cycle against a freshly selected gateway. On failure it returns to
// WaitResumeAfterDrop and updates the resumption attempt record so the
// caller can inspect LastConnectionLostInfo again and decide whether to
// retry, honoring NextReconnectDelay/ShouldReconnect pacing itself
// (spec §4.10).
func (c *Connection) ResumeSessionAfterConnectionDrop(ctx context.Context) {
	c.mu.Lock()
	if c.phase != PhaseWaitResumeAfterDrop {
		c.mu.Unlock()
		return
	}
	prevGateway := c.currentGateway
	c.mu.Unlock()

	gw := c.selector.SelectResume(c.resumeFailedAttempts, c.successfulResumes, prevGateway)
	c.wd.arm(c.cfg.Session.WatchdogResume.Duration())

	c.Metrics.RecordResumeAttempt()
	go func() {
		err := c.runAttempt(ctx, gw)
		now := time.Now()
		if err != nil {
			c.Metrics.RecordResumeFailure()
			c.resumeFailedAttempts++
			c.mu.Lock()
			c.resumptionAttempt.LatestError = err
			c.resumptionAttempt.LatestErrorTime = now
			c.resumptionAttempt.NumConnectionAttempts++
			c.phase = PhaseWaitResumeAfterDrop
			c.lastLost = &SessionConnectionErrorLostInfo{Attempt: c.resumptionAttempt}
			c.mu.Unlock()
			return
		}
		c.Metrics.RecordResumeSuccess()
		c.successfulResumes++
	}()
}

// AbortSessionAfterConnectionDrop gives up on the current session
// entirely: the connection becomes terminal with ErrAborted and no
// further resume is possible (spec §4.10, §6 abort_session_after_
// connection_drop).
func (c *Connection) AbortSessionAfterConnectionDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseWaitResumeAfterDrop {
		return
	}
	c.phase = PhaseError
	c.terminalErr = ErrAborted
}

// RetrySessionStart resends SessionStartRequest after the server asked
// for a resource correction (spec §4.10 WaitResourceCorrection, §6
// retry_session_start). pause tells the server whether the app is
// foregrounded.
func (c *Connection) RetrySessionStart(proposal *protocol.ResourceProposal, pause PauseStatus) {
	c.mu.Lock()
	tr, phase := c.tr, c.phase
	c.mu.Unlock()
	if tr == nil || phase != PhaseWaitResourceCorrection {
		return
	}

	proposalID := ""
	if proposal != nil {
		proposalID = proposal.ProposalID
	}
	env, err := protocol.EncodeEnvelope(protocol.TagSessionStartRequest, &protocol.SessionStartRequest{
		GamePayload:           c.login.SessionStartGamePayload,
		ResourceCorrectionAck: proposalID,
		PauseStatus:           int(pause),
	})
	if err != nil {
		c.signalAttemptDone(fmt.Errorf("connection: encoding session start retry: %w", err))
		return
	}
	if _, err := tr.EnqueueSend(env); err != nil {
		c.signalAttemptDone(fmt.Errorf("connection: sending session start retry: %w", err))
		return
	}

	c.mu.Lock()
	c.phase = PhaseWaitSessionStart
	c.mu.Unlock()
}

// ContinueGuestLoginAfterAccountCreation sends LoginRequest using
// credentials minted for the guest account the server just provisioned
// (spec §4.10 WaitGuestHandled, §6 continue_guest_login_after_
// account_creation).
func (c *Connection) ContinueGuestLoginAfterAccountCreation(creds GuestCredentials) {
	c.mu.Lock()
	tr, phase := c.tr, c.phase
	c.mu.Unlock()
	if tr == nil || phase != PhaseWaitGuestHandled {
		return
	}

	env, err := protocol.EncodeEnvelope(protocol.TagLoginRequest, &protocol.LoginRequest{
		Credentials: []byte(creds.DeviceGUID),
		DeviceInfo:  c.login.DeviceInfo,
		GamePayload: c.login.LoginGamePayload,
	})
	if err != nil {
		c.signalAttemptDone(fmt.Errorf("connection: encoding login request: %w", err))
		return
	}
	if _, err := tr.EnqueueSend(env); err != nil {
		c.signalAttemptDone(fmt.Errorf("connection: sending login request: %w", err))
		return
	}

	c.mu.Lock()
	c.phase = PhaseWaitLogin
	c.mu.Unlock()
}

func (c *Connection) onWatchdogExpired(kind string) {
	c.mu.Lock()
	phase, tr := c.phase, c.tr
	c.mu.Unlock()
	switch phase {
	case PhaseWaitResumeAfterDrop, PhaseNotConnected, PhaseError,
		PhaseWaitGuestHandled, PhaseWaitResourceCorrection:
		// User-gated phases (spec §4.10): the watchdog does not fire
		// while waiting on the caller to act.
		return
	}
	// Dispose runs the transport's own teardown (spec §4.8.5) but, per
	// spec §5, never emits OnError on its own — the watchdog is the one
	// deciding this death is fatal, so it reports it explicitly.
	if tr != nil {
		go tr.Dispose()
	}
	c.dropTransport(&WatchdogDeadlineExceededError{Kind: kind})
}
