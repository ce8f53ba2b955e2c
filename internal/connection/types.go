package connection

import "time"

// Phase names the login/session state machine's current state (spec
// §4.10): NotConnected -> WaitHelloAccept -> {CreateGuest branch
// (WaitCreateGuest -> WaitGuestHandled) | WaitLogin | WaitResume} ->
// WaitSessionStart -> {InSession | WaitResourceCorrection |
// WaitResumeAfterDrop} -> Error.
type Phase int

const (
	PhaseNotConnected Phase = iota
	PhaseWaitHelloAccept
	PhaseWaitCreateGuest
	PhaseWaitGuestHandled
	PhaseWaitLogin
	PhaseWaitResume
	PhaseWaitSessionStart
	PhaseInSession
	PhaseWaitResourceCorrection
	PhaseWaitResumeAfterDrop
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseNotConnected:
		return "NotConnected"
	case PhaseWaitHelloAccept:
		return "WaitHelloAccept"
	case PhaseWaitCreateGuest:
		return "WaitCreateGuest"
	case PhaseWaitGuestHandled:
		return "WaitGuestHandled"
	case PhaseWaitLogin:
		return "WaitLogin"
	case PhaseWaitResume:
		return "WaitResume"
	case PhaseWaitSessionStart:
		return "WaitSessionStart"
	case PhaseInSession:
		return "InSession"
	case PhaseWaitResourceCorrection:
		return "WaitResourceCorrection"
	case PhaseWaitResumeAfterDrop:
		return "WaitResumeAfterDrop"
	case PhaseError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Message is one item delivered to the caller via ReceiveMessages.
// Payload carries an application message, already stripped of
// session-layer sequencing; Info carries a side-band event (a
// transport info struct from package transport, or a
// SessionConnectionErrorLostInfo) when Payload is nil.
type Message struct {
	Payload []byte
	Info    interface{}
}

// GuestCredentials is what the caller passes back into
// ContinueGuestLoginAfterAccountCreation once it has registered a
// freshly provisioned device GUID with its own identity service.
type GuestCredentials struct {
	DeviceGUID  string
	DeviceModel string
}

// PauseStatus accompanies RetrySessionStart, letting the caller tell
// the server whether the application is currently foregrounded.
type PauseStatus int

const (
	PauseStatusForeground PauseStatus = iota
	PauseStatusPaused
)

// DeviceGUIDStore is the caller's credential-service collaborator;
// StoreDeviceGUID persists nothing on our side (spec §6), it only
// forwards a server-corrected device GUID to whatever the caller uses
// to remember it across launches.
type DeviceGUIDStore interface {
	StoreDeviceGUID(guid string)
}

// SessionResumptionAttempt tracks one ongoing WaitResumeAfterDrop
// episode (spec §4.10).
type SessionResumptionAttempt struct {
	LatestError           error
	StartTime             time.Time
	LatestErrorTime       time.Time
	NumConnectionAttempts int
}

// SessionConnectionErrorLostInfo is delivered to the caller (via
// LastConnectionLostInfo) when a non-fatal transport error drops an active
// session; the caller must then call ResumeSessionAfterConnectionDrop
// or AbortSessionAfterConnectionDrop.
type SessionConnectionErrorLostInfo struct {
	Attempt SessionResumptionAttempt
}
