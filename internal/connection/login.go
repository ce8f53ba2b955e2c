package connection

import (
	"errors"
	"time"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
	"github.com/ruistola/metaplaytest-netcore/internal/protocol"
	"github.com/ruistola/metaplaytest-netcore/internal/session"
	"github.com/ruistola/metaplaytest-netcore/internal/transport"
)

// eventSink adapts *Connection to transport.EventSink without
// duplicating its fields; methods below convert back with a plain
// pointer cast, the same "named type over the real struct" trick the
// teacher uses for engine.go's callback shims.
type eventSink Connection

func (s *eventSink) conn() *Connection { return (*Connection)(s) }

// OnConnect fires once the transport's byte-stream handshake commits
// (spec §4.8.1 step 6). It decides, from the ServerHello, whether the
// login pipeline proceeds straight to WaitHelloAccept or detours
// through WaitResourceCorrection first.
func (s *eventSink) OnConnect(hello *protocol.ServerHello, _ transport.HandshakeReport) {
	c := s.conn()
	c.wd.arm(c.cfg.Session.WatchdogSteady.Duration())

	if !hello.Accepted {
		c.signalAttemptDone(&SessionStartFailedError{Message: "hello not accepted"})
		return
	}
	if mismatch := c.checkCommitID(hello.CommitID); mismatch {
		c.signalAttemptDone(CommitIDMismatchError{})
		return
	}

	c.mu.Lock()
	resuming := c.sess != nil
	if hello.ResourceProposal != nil {
		c.pendingResourceAck = hello.ResourceProposal
		c.phase = PhaseWaitResourceCorrection
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if resuming {
		c.sendSessionResumeRequest()
		return
	}
	// Otherwise wait for ClientHelloAccepted, which arrives as a
	// regular steady-state Message (spec §4.10 WaitHelloAccept).
}

func (c *Connection) checkCommitID(serverCommitID string) (mismatch bool) {
	clientCommitID := c.login.ClientHello.CommitID
	switch c.cfg.Login.CommitIDCheckRule {
	case "strict":
		return clientCommitID != serverCommitID
	case "only_if_defined":
		return clientCommitID != "" && serverCommitID != "" && clientCommitID != serverCommitID
	default:
		return false
	}
}

// OnReceive dispatches one decoded application message according to
// the current login/session phase (spec §4.10's explicit gating: a
// message is only consumed while the phase permits it).
func (s *eventSink) OnReceive(env *protocol.Envelope) {
	c := s.conn()
	c.wd.arm(c.cfg.Session.WatchdogSteady.Duration())

	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	switch phase {
	case PhaseWaitHelloAccept:
		c.handleWaitHelloAccept(env)
	case PhaseWaitCreateGuest:
		c.handleWaitCreateGuest(env)
	case PhaseWaitGuestHandled:
		c.rejectUnexpected(phase, env)
	case PhaseWaitLogin:
		c.handleWaitLogin(env)
	case PhaseWaitResume:
		c.handleWaitResume(env)
	case PhaseWaitSessionStart, PhaseWaitResourceCorrection:
		c.handleWaitSessionStart(env)
	case PhaseInSession:
		c.handleInSession(env)
	default:
		c.rejectUnexpected(phase, env)
	}
}

func (c *Connection) rejectUnexpected(phase Phase, env *protocol.Envelope) {
	c.signalAttemptDone(&UnexpectedLoginMessageError{Phase: phase, TypeName: tagName(env.Tag)})
}

func tagName(tag protocol.MessageTypeTag) string {
	names := map[protocol.MessageTypeTag]string{
		protocol.TagClientHello:                    "ClientHello",
		protocol.TagServerHello:                     "ServerHello",
		protocol.TagClientHelloAccepted:             "ClientHelloAccepted",
		protocol.TagGuestLoginRequest:               "GuestLoginRequest",
		protocol.TagLoginRequest:                    "LoginRequest",
		protocol.TagSessionStartRequest:             "SessionStartRequest",
		protocol.TagSessionStartSuccess:              "SessionStartSuccess",
		protocol.TagSessionResumeRequest:            "SessionResumeRequest",
		protocol.TagSessionResumeSuccess:            "SessionResumeSuccess",
		protocol.TagAcknowledgement:                 "Acknowledgement",
		protocol.TagAbandonNotice:                   "AbandonNotice",
		protocol.TagRedirectNotice:                  "RedirectNotice",
		protocol.TagLogicVersionMismatch:            "LogicVersionMismatchNotice",
		protocol.TagMaintenanceNotice:                "MaintenanceNotice",
		protocol.TagPlayerDeserializationFailure:    "PlayerDeserializationFailureNotice",
		protocol.TagApplicationPayload:              "ApplicationPayload",
		protocol.TagGuestAccountCreated:              "GuestAccountCreatedNotice",
		protocol.TagLoginAccepted:                    "LoginAccepted",
		protocol.TagSessionStartFailed:               "SessionStartFailedNotice",
		protocol.TagPlayerBannedNotice:                "PlayerBannedNotice",
		protocol.TagLogicVersionDowngradeNotice:       "LogicVersionDowngradeNotice",
		protocol.TagServiceFailureNotice:              "ServiceFailureNotice",
		protocol.TagSessionForceTerminatedNotice:      "SessionForceTerminatedNotice",
	}
	if n, ok := names[tag]; ok {
		return n
	}
	return "Unknown"
}

func (c *Connection) handleWaitHelloAccept(env *protocol.Envelope) {
	if env.Tag != protocol.TagClientHelloAccepted {
		c.rejectUnexpected(PhaseWaitHelloAccept, env)
		return
	}
	var accepted protocol.ClientHelloAccepted
	if err := protocol.UnmarshalMsgpack(env.Body, &accepted); err != nil {
		c.signalAttemptDone(err)
		return
	}
	if mismatch := c.checkCommitID(accepted.CommitID); mismatch {
		c.signalAttemptDone(CommitIDMismatchError{})
		return
	}

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	if c.login.Credentials == nil {
		env, err := protocol.EncodeEnvelope(protocol.TagGuestLoginRequest, &protocol.GuestLoginRequest{
			DeviceGUID:  c.login.ClientHello.DeviceGUID,
			DeviceInfo:  c.login.DeviceInfo,
			GamePayload: c.login.LoginGamePayload,
		})
		if err != nil {
			c.signalAttemptDone(err)
			return
		}
		if _, err := tr.EnqueueSend(env); err != nil {
			c.signalAttemptDone(err)
			return
		}
		c.mu.Lock()
		c.phase = PhaseWaitCreateGuest
		c.mu.Unlock()
		return
	}

	env2, err := protocol.EncodeEnvelope(protocol.TagLoginRequest, &protocol.LoginRequest{
		Credentials: c.login.Credentials,
		DeviceInfo:  c.login.DeviceInfo,
		GamePayload: c.login.LoginGamePayload,
	})
	if err != nil {
		c.signalAttemptDone(err)
		return
	}
	if _, err := tr.EnqueueSend(env2); err != nil {
		c.signalAttemptDone(err)
		return
	}
	c.mu.Lock()
	c.phase = PhaseWaitLogin
	c.mu.Unlock()
}

func (c *Connection) handleWaitCreateGuest(env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagGuestAccountCreated:
		var notice protocol.GuestAccountCreatedNotice
		if err := protocol.UnmarshalMsgpack(env.Body, &notice); err != nil {
			c.signalAttemptDone(err)
			return
		}
		if c.guidStore != nil {
			c.guidStore.StoreDeviceGUID(notice.ProvisionalDeviceGUID)
		}
		c.mu.Lock()
		c.phase = PhaseWaitGuestHandled
		c.mu.Unlock()
	case protocol.TagLoginAccepted:
		c.advanceToSessionStart()
	default:
		c.rejectUnexpected(PhaseWaitCreateGuest, env)
	}
}

func (c *Connection) handleWaitLogin(env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagLoginAccepted:
		c.advanceToSessionStart()
	case protocol.TagLogicVersionMismatch:
		var notice protocol.LogicVersionMismatchNotice
		protocol.UnmarshalMsgpack(env.Body, &notice)
		c.signalAttemptDone(&LogicVersionMismatchError{
			ClientVersion: notice.ClientVersion,
			MinVersion:    notice.MinVersion,
			MaxVersion:    notice.MaxVersion,
		})
	case protocol.TagRedirectNotice:
		var notice protocol.RedirectNotice
		protocol.UnmarshalMsgpack(env.Body, &notice)
		c.signalAttemptDone(&RedirectToServerError{Endpoint: config.GatewayConfig{
			Host:      notice.Host,
			Port:      notice.Port,
			EnableTLS: notice.EnableTLS,
		}})
	case protocol.TagPlayerDeserializationFailure:
		var notice protocol.PlayerDeserializationFailureNotice
		protocol.UnmarshalMsgpack(env.Body, &notice)
		c.signalAttemptDone(&PlayerDeserializationFailureError{Text: notice.Reason})
	case protocol.TagMaintenanceNotice:
		var notice protocol.MaintenanceNotice
		protocol.UnmarshalMsgpack(env.Body, &notice)
		c.signalAttemptDone(&MaintenanceModeOngoingError{EstimatedEndTime: notice.EstimatedEndTime})
	case protocol.TagPlayerBannedNotice:
		c.signalAttemptDone(PlayerIsBannedError{})
	case protocol.TagLogicVersionDowngradeNotice:
		c.signalAttemptDone(LogicVersionDowngradeError{})
	case protocol.TagServiceFailureNotice:
		var notice protocol.ServiceFailureNotice
		protocol.UnmarshalMsgpack(env.Body, &notice)
		c.signalAttemptDone(&ServiceFailureError{Inner: errors.New(notice.Reason)})
	default:
		c.rejectUnexpected(PhaseWaitLogin, env)
	}
}

func (c *Connection) advanceToSessionStart() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	env, err := protocol.EncodeEnvelope(protocol.TagSessionStartRequest, &protocol.SessionStartRequest{
		GamePayload: c.login.SessionStartGamePayload,
		PauseStatus: int(PauseStatusForeground),
	})
	if err != nil {
		c.signalAttemptDone(err)
		return
	}
	if _, err := tr.EnqueueSend(env); err != nil {
		c.signalAttemptDone(err)
		return
	}
	c.mu.Lock()
	c.phase = PhaseWaitSessionStart
	c.mu.Unlock()
}

func (c *Connection) handleWaitSessionStart(env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagSessionStartSuccess:
		var success protocol.SessionStartSuccess
		if err := protocol.UnmarshalMsgpack(env.Body, &success); err != nil {
			c.signalAttemptDone(err)
			return
		}
		if success.CorrectedDeviceGUID != "" && c.guidStore != nil {
			c.guidStore.StoreDeviceGUID(success.CorrectedDeviceGUID)
		}
		c.sendQueueMu.Lock()
		c.sess = session.NewSessionParticipantState(success.Token)
		c.sess.AcknowledgedNumReceived = success.ResumeAck
		c.sendQueueMu.Unlock()

		c.mu.Lock()
		c.phase = PhaseInSession
		c.mu.Unlock()
		c.signalAttemptDone(nil)
	case protocol.TagSessionStartFailed:
		var failed protocol.SessionStartFailedNotice
		protocol.UnmarshalMsgpack(env.Body, &failed)
		c.signalAttemptDone(&SessionStartFailedError{Message: failed.Message})
	default:
		c.rejectUnexpected(PhaseWaitSessionStart, env)
	}
}

func (c *Connection) sendSessionResumeRequest() {
	c.mu.Lock()
	tr, sess := c.tr, c.sess
	c.mu.Unlock()
	if sess == nil {
		c.signalAttemptDone(session.ErrWeHaveNoSession)
		return
	}

	env, err := protocol.EncodeEnvelope(protocol.TagSessionResumeRequest, &protocol.SessionResumeRequest{
		Token:       sess.Token,
		NumReceived: sess.NumReceived,
	})
	if err != nil {
		c.signalAttemptDone(err)
		return
	}
	if _, err := tr.EnqueueSend(env); err != nil {
		c.signalAttemptDone(err)
		return
	}
	c.mu.Lock()
	c.phase = PhaseWaitResume
	c.mu.Unlock()
}

func (c *Connection) handleWaitResume(env *protocol.Envelope) {
	if env.Tag != protocol.TagSessionResumeSuccess {
		c.rejectUnexpected(PhaseWaitResume, env)
		return
	}
	var success protocol.SessionResumeSuccess
	if err := protocol.UnmarshalMsgpack(env.Body, &success); err != nil {
		c.signalAttemptDone(err)
		return
	}

	c.sendQueueMu.Lock()
	replay, err := session.HandleResume(c.sess, c.sess.Token, success.NumReceived)
	c.sendQueueMu.Unlock()
	if err != nil {
		c.signalAttemptDone(&SessionResumeFailedError{})
		return
	}

	c.mu.Lock()
	tr := c.tr
	c.phase = PhaseInSession
	c.mu.Unlock()

	// Replay every still-unacknowledged message in order, preserving
	// their relative position (spec §4.9.2, §5).
	for _, msg := range replay {
		tr.EnqueueSend(msg)
	}

	c.signalAttemptDone(nil)
}

func (c *Connection) handleInSession(env *protocol.Envelope) {
	switch env.Tag {
	case protocol.TagAcknowledgement:
		var ack protocol.Acknowledgement
		if err := protocol.UnmarshalMsgpack(env.Body, &ack); err != nil {
			c.dropTransport(&WireFormatErrorWrap{err})
			return
		}
		c.sendQueueMu.Lock()
		err := c.sess.ApplyAck(ack.NumReceived)
		c.sendQueueMu.Unlock()
		if err != nil {
			c.dropTransport(&SessionLayerError{Text: err.Error()})
		}
	case protocol.TagApplicationPayload:
		var payload protocol.ApplicationPayload
		if err := protocol.UnmarshalMsgpack(env.Body, &payload); err != nil {
			c.dropTransport(&WireFormatErrorWrap{err})
			return
		}
		c.sendQueueMu.Lock()
		shouldAck := c.sess.OnReceivePayload(c.cfg.Session.AckThreshold)
		numReceived := c.sess.AcknowledgedNumReceived
		c.sendQueueMu.Unlock()

		c.Metrics.RecordReceive(len(payload.Data))
		c.mu.Lock()
		c.inbox = append(c.inbox, Message{Payload: payload.Data})
		tr := c.tr
		c.mu.Unlock()

		if shouldAck {
			ackEnv, err := protocol.EncodeEnvelope(protocol.TagAcknowledgement, &protocol.Acknowledgement{NumReceived: numReceived})
			if err == nil {
				tr.EnqueueSend(ackEnv)
			}
		}
	case protocol.TagSessionForceTerminatedNotice:
		var notice protocol.SessionForceTerminatedNotice
		protocol.UnmarshalMsgpack(env.Body, &notice)
		c.dropTransport(&SessionForceTerminatedError{Reason: notice.Reason})
	case protocol.TagRedirectNotice, protocol.TagMaintenanceNotice, protocol.TagLogicVersionMismatch:
		// Mid-session notices of this kind are not expected once a
		// session is established; treat like any other unexpected
		// message for the phase.
		c.rejectUnexpected(PhaseInSession, env)
	default:
		c.rejectUnexpected(PhaseInSession, env)
	}
}

// WireFormatErrorWrap adapts a local decode error into the same shape
// transport.WireFormatError uses, so dropTransport's fatal-error
// classification treats an undecodable in-session message the same
// way as a framing failure one layer down.
type WireFormatErrorWrap struct{ Err error }

func (e *WireFormatErrorWrap) Error() string { return "connection: " + e.Err.Error() }
func (e *WireFormatErrorWrap) Unwrap() error  { return e.Err }

// OnInfo forwards pump heartbeat/warning/latency events straight to
// the caller's inbox as opaque info values; the watchdog is reset by
// any of them except the bare heartbeat, matching "each successfully
// received inbound event" in spec §4.10.
func (s *eventSink) OnInfo(info interface{}) {
	c := s.conn()
	if _, isHeartbeat := info.(transport.ThreadCycleUpdateInfo); !isHeartbeat {
		c.wd.arm(c.cfg.Session.WatchdogSteady.Duration())
	}
	if sample, ok := info.(transport.LatencySampleInfo); ok {
		c.Metrics.RecordLatencySample(sample.PongReceivedAt.Sub(sample.SentAt))
	}
	c.mu.Lock()
	c.inbox = append(c.inbox, Message{Info: info})
	c.mu.Unlock()
}

// OnError is the transport's single terminal event (spec §4.8's
// (C(R|I)*)?E? regex). It classifies fatal vs. non-fatal per spec
// §4.10 and either ends the attempt outright or, if a session already
// exists, drops into WaitResumeAfterDrop.
func (s *eventSink) OnError(err error) {
	s.conn().dropTransport(err)
}

// dropTransport is the single chokepoint for "the current transport is
// gone": it either ends the in-flight handshake/login attempt (no
// session yet) or, for an active session, enters WaitResumeAfterDrop
// per spec §4.10's non-fatal-error path. Fatal errors always end the
// connection outright.
func (c *Connection) dropTransport(err error) {
	c.mu.Lock()
	phase := c.phase
	sess := c.sess
	c.mu.Unlock()

	if isFatalTransportError(err) || sess == nil || phase != PhaseInSession {
		c.signalAttemptDone(err)
		if isFatalTransportError(err) || sess == nil {
			c.setTerminal(err)
		}
		return
	}

	now := time.Now()
	c.mu.Lock()
	c.resumptionAttempt = SessionResumptionAttempt{
		LatestError:           err,
		StartTime:             now,
		LatestErrorTime:       now,
		NumConnectionAttempts: 1,
	}
	c.lastLost = &SessionConnectionErrorLostInfo{Attempt: c.resumptionAttempt}
	c.phase = PhaseWaitResumeAfterDrop
	c.inbox = append(c.inbox, Message{Info: *c.lastLost})
	c.mu.Unlock()
}
