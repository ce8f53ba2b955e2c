// Package protocol defines the concrete application-level messages
// carried inside wireproto "Message" packets during login, session
// start/resume, and steady-state play. This stands in for the
// out-of-scope "message serialization" collaborator (spec §1) with a
// real msgpack-encoded set of types so the rest of the module is
// testable end to end.
package protocol

import "time"

// MessageTypeTag identifies which concrete message a decoded payload
// carries, since msgpack alone does not self-describe the Go type.
type MessageTypeTag uint8

const (
	TagClientHello MessageTypeTag = iota + 1
	TagServerHello
	TagClientHelloAccepted
	TagGuestLoginRequest
	TagLoginRequest
	TagSessionStartRequest
	TagSessionStartSuccess
	TagSessionResumeRequest
	TagSessionResumeSuccess
	TagAcknowledgement
	TagAbandonNotice
	TagRedirectNotice
	TagLogicVersionMismatch
	TagMaintenanceNotice
	TagPlayerDeserializationFailure
	TagApplicationPayload
	TagGuestAccountCreated
	TagLoginAccepted
	TagSessionStartFailed
	TagPlayerBannedNotice
	TagLogicVersionDowngradeNotice
	TagServiceFailureNotice
	TagSessionForceTerminatedNotice
)

// Envelope is the outer msgpack structure every Message packet carries:
// a type tag plus the type-specific body, itself msgpack-encoded. This
// mirrors the teacher's header/payload split (EncodeStreamData et al.)
// but collapses it to a single frame since the network core does not
// need a separate header/body split once inside one Message packet.
type Envelope struct {
	Tag  MessageTypeTag `msgpack:"tag"`
	Body []byte         `msgpack:"body"`
}

// EncodeEnvelope msgpack-encodes body and wraps it with tag.
func EncodeEnvelope(tag MessageTypeTag, body interface{}) ([]byte, error) {
	encodedBody, err := MarshalMsgpack(body)
	if err != nil {
		return nil, err
	}
	return MarshalMsgpack(&Envelope{Tag: tag, Body: encodedBody})
}

// DecodeEnvelope extracts the tag and leaves the body undecoded; the
// caller decodes the body into the type implied by the tag.
func DecodeEnvelope(wire []byte) (*Envelope, error) {
	var env Envelope
	if err := UnmarshalMsgpack(wire, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ClientHello is the first application message the client sends,
// immediately after the transport connects (spec §4.8.1 step 2).
type ClientHello struct {
	ClientVersion        string `msgpack:"client_version"`
	Build                string `msgpack:"build"`
	LogicVersion         int    `msgpack:"logic_version"`
	ProtocolHash         string `msgpack:"protocol_hash"`
	CommitID             string `msgpack:"commit_id"`
	Nonce1               uint64 `msgpack:"nonce1"`
	Nonce2               uint64 `msgpack:"nonce2"`
	Platform             string `msgpack:"platform"`
	LoginProtocolVersion int    `msgpack:"login_protocol_version"`
	DeviceGUID           string `msgpack:"device_guid"`
}

// ServerHello is the message the handshake requires in response to
// ClientHello (spec §4.8.1 step 5).
type ServerHello struct {
	Accepted          bool               `msgpack:"accepted"`
	CommitID          string             `msgpack:"commit_id"`
	ResourceProposal  *ResourceProposal  `msgpack:"resource_proposal,omitempty"`
}

// ResourceProposal carries a server-requested resource correction; its
// internal shape is opaque to the network core (spec §4.10's
// WaitResourceCorrection phase only round-trips it).
type ResourceProposal struct {
	ProposalID string `msgpack:"proposal_id"`
	Payload    []byte `msgpack:"payload"`
}

// ClientHelloAccepted is sent by the server once login/session
// negotiation lands in steady state; it toggles compression
// (spec §4.8.4).
type ClientHelloAccepted struct {
	EnableCompression bool   `msgpack:"enable_compression"`
	CommitID          string `msgpack:"commit_id"`
}

// GuestLoginRequest asks the server to create (or recognize) a guest
// account. DeviceInfo and GamePayload are the opaque blobs spec §6
// calls device_info and login_game_payload, forwarded verbatim.
type GuestLoginRequest struct {
	DeviceGUID  string `msgpack:"device_guid"`
	DeviceModel string `msgpack:"device_model"`
	DeviceInfo  []byte `msgpack:"device_info,omitempty"`
	GamePayload []byte `msgpack:"game_payload,omitempty"`
}

// LoginRequest authenticates an existing account. DeviceInfo and
// GamePayload are the same opaque blobs as GuestLoginRequest's.
type LoginRequest struct {
	Credentials []byte `msgpack:"credentials"`
	DeviceInfo  []byte `msgpack:"device_info,omitempty"`
	GamePayload []byte `msgpack:"game_payload,omitempty"`
}

// SessionStartRequest asks the server to create a new session.
// ResourceCorrectionAck, when non-empty, confirms a ResourceProposal
// the client received in ServerHello and has now applied (spec §4.10
// WaitResourceCorrection, §6 retry_session_start). PauseStatus mirrors
// connection.PauseStatus as a plain int so this package does not
// depend on the connection package.
type SessionStartRequest struct {
	GamePayload           []byte `msgpack:"game_payload"`
	ResourceCorrectionAck string `msgpack:"resource_correction_ack,omitempty"`
	PauseStatus           int    `msgpack:"pause_status"`
}

// SessionStartSuccess is returned on a fresh session start.
type SessionStartSuccess struct {
	Token           uint64 `msgpack:"token"`
	ResumeAck       uint32 `msgpack:"resume_ack"`
	CorrectedDeviceGUID string `msgpack:"corrected_device_guid,omitempty"`
}

// SessionResumeRequest asks the server to re-attach a transport to an
// existing session (spec §4.9.2).
type SessionResumeRequest struct {
	Token       uint64 `msgpack:"token"`
	NumReceived uint32 `msgpack:"num_received"`
	Checksum    *uint32 `msgpack:"checksum,omitempty"`
}

// SessionResumeSuccess confirms a resume and carries the peer's own ack
// of what it received from us.
type SessionResumeSuccess struct {
	NumReceived uint32  `msgpack:"num_received"`
	Checksum    *uint32 `msgpack:"checksum,omitempty"`
}

// Acknowledgement is the session-layer ack message (spec §4.9.1).
type Acknowledgement struct {
	NumReceived uint32  `msgpack:"num_received"`
	Checksum    *uint32 `msgpack:"checksum,omitempty"`
}

// AbandonNotice is the best-effort sentinel sent on a stream that
// connected successfully but is no longer wanted (spec §4.6, §4.7).
type AbandonNotice struct {
	ConnectionStartedAt time.Time `msgpack:"connection_started_at"`
	AbandonedAt         time.Time `msgpack:"abandoned_at"`
	Source              string    `msgpack:"source"`
}

// RedirectNotice tells the client to retry against a different gateway.
type RedirectNotice struct {
	Host      string `msgpack:"host"`
	Port      int    `msgpack:"port"`
	EnableTLS bool   `msgpack:"enable_tls"`
}

// LogicVersionMismatchNotice reports the acceptable server-side logic
// version range when the client's falls outside it.
type LogicVersionMismatchNotice struct {
	ClientVersion int `msgpack:"client_version"`
	MinVersion    int `msgpack:"min_version"`
	MaxVersion    int `msgpack:"max_version"`
}

// MaintenanceNotice reports that the cluster is under maintenance.
type MaintenanceNotice struct {
	EstimatedEndTime *time.Time `msgpack:"estimated_end_time,omitempty"`
}

// PlayerDeserializationFailureNotice reports that the server could not
// deserialize the player's saved state.
type PlayerDeserializationFailureNotice struct {
	Reason string `msgpack:"reason"`
}

// GuestAccountCreatedNotice is sent once after a GuestLoginRequest when
// the server has provisioned a brand-new guest account; the caller
// must confirm it (typically after registering the id with a platform
// identity service) via Connection.ContinueGuestLoginAfterAccountCreation
// before login can proceed (spec §4.10 WaitGuestHandled).
type GuestAccountCreatedNotice struct {
	ProvisionalDeviceGUID string `msgpack:"provisional_device_guid"`
}

// LoginAccepted confirms a LoginRequest (or a guest login continued via
// ContinueGuestLoginAfterAccountCreation) before session start begins.
type LoginAccepted struct{}

// SessionStartFailedNotice reports that SessionStartRequest was
// rejected outright (spec §7 SessionStartFailed).
type SessionStartFailedNotice struct {
	Message string `msgpack:"message"`
}

// PlayerBannedNotice reports that the account is banned from the
// cluster (spec §7 PlayerIsBanned).
type PlayerBannedNotice struct{}

// LogicVersionDowngradeNotice reports the server refused a downgrade
// to an older LogicVersion than the player's saved state was last
// written with (spec §7 LogicVersionDowngrade).
type LogicVersionDowngradeNotice struct{}

// ServiceFailureNotice wraps an opaque server-side failure reported
// during login (spec §7 ServiceFailure).
type ServiceFailureNotice struct {
	Reason string `msgpack:"reason"`
}

// SessionForceTerminatedNotice reports the server unilaterally ending
// an in-progress session (spec §7 SessionForceTerminated).
type SessionForceTerminatedNotice struct {
	Reason string `msgpack:"reason"`
}

// ApplicationPayload wraps an opaque caller-defined message body. The
// network core treats its contents as an uninterpreted byte buffer;
// only SessionLayer numbering applies to it.
type ApplicationPayload struct {
	Data []byte `msgpack:"data"`
}
