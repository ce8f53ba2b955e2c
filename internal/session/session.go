// Package session implements the sequence-numbered at-least-once
// delivery and resume protocol layered on top of a StreamTransport
// (spec §4.9, component C10). It is a set of stateless helpers over a
// SessionParticipantState value; SessionLayer itself holds no state of
// its own, mirroring the teacher's preference for small, pure
// transformation functions over the connection's mutable state.
package session

import (
	"errors"
	"fmt"
)

// SessionParticipantState is kept by both client and server mirrors of
// one session endpoint (spec glossary).
type SessionParticipantState struct {
	Token uint64

	NumSent        uint32
	RememberedSent [][]byte // ordered queue of payload messages still subject to replay

	NumAcknowledgedSent uint32
	NumForgottenByUs    uint32

	NumReceived             uint32
	AcknowledgedNumReceived uint32
}

// NewSessionParticipantState creates a fresh session state for token.
func NewSessionParticipantState(token uint64) *SessionParticipantState {
	return &SessionParticipantState{Token: token}
}

// Errors returned by ack validation (spec §4.9.1).
var (
	ErrTheirNumReceivedTooHigh = errors.New("session: peer's num_received exceeds our num_sent")
	ErrTheirNumReceivedTooLow  = errors.New("session: peer's num_received is below our num_acknowledged_sent")
	ErrWeHaveNoSession         = errors.New("session: no existing session to resume")
	ErrTokenMismatch           = errors.New("session: resume token does not match our session")
)

// WeHaveForgottenTooManyError reports that the peer is asking us to
// replay messages we've already irrecoverably forgotten (spec §4.9.2).
type WeHaveForgottenTooManyError struct {
	OurNumSent      uint32
	OurNumRemembered uint32
	TheirNumReceived uint32
}

func (e *WeHaveForgottenTooManyError) Error() string {
	return fmt.Sprintf(
		"session: forgotten too many messages to resume (num_sent=%d remembered=%d their_num_received=%d)",
		e.OurNumSent, e.OurNumRemembered, e.TheirNumReceived,
	)
}

// OnSendPayload records that msg was sent: it is remembered for
// possible replay and counted against NumSent (spec §4.9
// on_send_payload).
func (s *SessionParticipantState) OnSendPayload(msg []byte) {
	s.RememberedSent = append(s.RememberedSent, msg)
	s.NumSent++
}

// OnReceivePayload records an inbound payload message and reports
// whether the caller must now send an acknowledgement back (spec §4.9
// on_receive, non-Acknowledgement branch).
func (s *SessionParticipantState) OnReceivePayload(ackThreshold uint32) (shouldAck bool) {
	s.NumReceived++
	if s.NumReceived >= s.AcknowledgedNumReceived+ackThreshold {
		s.AcknowledgedNumReceived = s.NumReceived
		return true
	}
	return false
}

// ApplyAck validates and applies a peer Acknowledgement's num_received
// against our sent-side state (spec §4.9.1).
func (s *SessionParticipantState) ApplyAck(numReceived uint32) error {
	if numReceived > s.NumSent {
		return ErrTheirNumReceivedTooHigh
	}
	if numReceived < s.NumAcknowledgedSent {
		return ErrTheirNumReceivedTooLow
	}

	forgetNow(s, numReceived)
	s.NumAcknowledgedSent = numReceived
	return nil
}

// forgetNow pops newly-acknowledged messages off the front of
// RememberedSent and advances NumForgottenByUs.
func forgetNow(s *SessionParticipantState, numReceived uint32) {
	var newlyForget uint32
	if numReceived > s.NumForgottenByUs {
		newlyForget = numReceived - s.NumForgottenByUs
	}
	if newlyForget > uint32(len(s.RememberedSent)) {
		newlyForget = uint32(len(s.RememberedSent))
	}
	if newlyForget == 0 {
		return
	}
	s.RememberedSent = s.RememberedSent[newlyForget:]
	s.NumForgottenByUs += newlyForget
}

// LimitRememberedSent drops messages from the front of RememberedSent
// until its length is at most limit. Each drop is an irrecoverable
// forget: those messages can never again be replayed on resume (spec
// §4.9 limit_remembered_sent).
func (s *SessionParticipantState) LimitRememberedSent(limit int) {
	for len(s.RememberedSent) > limit {
		s.RememberedSent = s.RememberedSent[1:]
		s.NumForgottenByUs++
	}
}

// HandleResume implements spec §4.9.2: validate a peer's resume
// request against our own session state for the same token, and, on
// success, apply their ack and return every message remaining in
// RememberedSent for the pump to replay in order. our may be nil,
// which yields ErrWeHaveNoSession.
func HandleResume(our *SessionParticipantState, theirToken uint64, theirNumReceived uint32) ([][]byte, error) {
	if our == nil {
		return nil, ErrWeHaveNoSession
	}
	if theirToken != our.Token {
		return nil, ErrTokenMismatch
	}
	if theirNumReceived > our.NumSent {
		return nil, ErrTheirNumReceivedTooHigh
	}

	minAcceptable := our.NumSent - uint32(len(our.RememberedSent))
	if theirNumReceived < minAcceptable {
		return nil, &WeHaveForgottenTooManyError{
			OurNumSent:       our.NumSent,
			OurNumRemembered: uint32(len(our.RememberedSent)),
			TheirNumReceived: theirNumReceived,
		}
	}
	if theirNumReceived < our.NumAcknowledgedSent {
		return nil, ErrTheirNumReceivedTooLow
	}

	forgetNow(our, theirNumReceived)
	our.NumAcknowledgedSent = theirNumReceived

	replay := make([][]byte, len(our.RememberedSent))
	copy(replay, our.RememberedSent)
	return replay, nil
}
