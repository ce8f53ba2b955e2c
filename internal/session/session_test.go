package session

import (
	"errors"
	"testing"
)

func TestOnSendPayloadTracksRememberedAndCount(t *testing.T) {
	s := NewSessionParticipantState(1)
	s.OnSendPayload([]byte("a"))
	s.OnSendPayload([]byte("b"))
	if s.NumSent != 2 || len(s.RememberedSent) != 2 {
		t.Fatalf("unexpected state: %+v", s)
	}
}

func TestOnReceivePayloadTriggersAckAtThreshold(t *testing.T) {
	s := NewSessionParticipantState(1)
	var acked bool
	for i := 0; i < 5; i++ {
		acked = s.OnReceivePayload(5)
	}
	if !acked {
		t.Fatal("expected ack to be due at threshold")
	}
	if s.AcknowledgedNumReceived != 5 {
		t.Fatalf("expected acknowledged_num_received=5, got %d", s.AcknowledgedNumReceived)
	}
}

func TestApplyAckTooHigh(t *testing.T) {
	s := NewSessionParticipantState(1)
	s.OnSendPayload([]byte("a"))
	if err := s.ApplyAck(2); !errors.Is(err, ErrTheirNumReceivedTooHigh) {
		t.Fatalf("expected ErrTheirNumReceivedTooHigh, got %v", err)
	}
}

func TestApplyAckTooLow(t *testing.T) {
	s := NewSessionParticipantState(1)
	s.OnSendPayload([]byte("a"))
	s.OnSendPayload([]byte("b"))
	if err := s.ApplyAck(2); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyAck(1); !errors.Is(err, ErrTheirNumReceivedTooLow) {
		t.Fatalf("expected ErrTheirNumReceivedTooLow, got %v", err)
	}
}

func TestApplyAckForgetsAcknowledgedPrefix(t *testing.T) {
	s := NewSessionParticipantState(1)
	for i := 0; i < 5; i++ {
		s.OnSendPayload([]byte{byte(i)})
	}
	if err := s.ApplyAck(3); err != nil {
		t.Fatal(err)
	}
	if len(s.RememberedSent) != 2 || s.NumForgottenByUs != 3 || s.NumAcknowledgedSent != 3 {
		t.Fatalf("unexpected state after ack: %+v", s)
	}
}

func TestHandleResumeNoSession(t *testing.T) {
	if _, err := HandleResume(nil, 1, 0); !errors.Is(err, ErrWeHaveNoSession) {
		t.Fatalf("expected ErrWeHaveNoSession, got %v", err)
	}
}

func TestHandleResumeTokenMismatch(t *testing.T) {
	s := NewSessionParticipantState(1)
	if _, err := HandleResume(s, 2, 0); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
}

// TestHandleResumeForgottenTooMany reproduces the spec example: num_sent=10,
// remembered.len=3 (so 7 already forgotten), peer resumes with ack=5 < 7.
func TestHandleResumeForgottenTooMany(t *testing.T) {
	s := NewSessionParticipantState(42)
	for i := 0; i < 10; i++ {
		s.OnSendPayload([]byte{byte(i)})
	}
	if err := s.ApplyAck(7); err != nil {
		t.Fatal(err)
	}
	if len(s.RememberedSent) != 3 {
		t.Fatalf("expected 3 remembered after ack(7), got %d", len(s.RememberedSent))
	}

	_, err := HandleResume(s, 42, 5)
	var forgotten *WeHaveForgottenTooManyError
	if !errors.As(err, &forgotten) {
		t.Fatalf("expected WeHaveForgottenTooManyError, got %v", err)
	}
	if forgotten.OurNumSent != 10 || forgotten.OurNumRemembered != 3 || forgotten.TheirNumReceived != 5 {
		t.Fatalf("unexpected error fields: %+v", forgotten)
	}
	// State must be untouched on failure.
	if s.NumAcknowledgedSent != 7 || len(s.RememberedSent) != 3 {
		t.Fatalf("state mutated on failed resume: %+v", s)
	}
}

func TestHandleResumeSucceedsAndReturnsReplay(t *testing.T) {
	s := NewSessionParticipantState(42)
	for i := 0; i < 5; i++ {
		s.OnSendPayload([]byte{byte(i)})
	}
	// Peer only received the first 2; replay the remaining 3.
	replay, err := HandleResume(s, 42, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(replay) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(replay))
	}
	if s.NumAcknowledgedSent != 2 || s.NumForgottenByUs != 2 {
		t.Fatalf("unexpected state after resume: %+v", s)
	}
}

func TestLimitRememberedSentForgetsFromFront(t *testing.T) {
	s := NewSessionParticipantState(1)
	for i := 0; i < 5; i++ {
		s.OnSendPayload([]byte{byte(i)})
	}
	s.LimitRememberedSent(2)
	if len(s.RememberedSent) != 2 || s.NumForgottenByUs != 3 {
		t.Fatalf("unexpected state: %+v", s)
	}
	if s.RememberedSent[0][0] != 3 {
		t.Fatalf("expected oldest-but-2 remaining, got %v", s.RememberedSent)
	}
}
