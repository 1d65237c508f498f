package phone

import (
	"context"
	"time"
)

// Transport is the signaling side of the phone.
type Transport interface {
	// Register opens the signaling connection and performs the first
	// registration. The registration is refreshed until Close and later
	// changes are reported to l.
	Register(ctx context.Context, creds Credentials, l Listener) error

	// NewCall prepares an outbound call to target. Nothing is sent until
	// Call.Dial.
	NewCall(target string) (Call, error)

	// Close unregisters and releases the connection.
	Close(ctx context.Context) error
}

// RejectReason selects the response sent when declining an inbound call.
type RejectReason int

const (
	RejectDeclined RejectReason = iota
	RejectBusy
	RejectTimeout
)

// Call is one signaling leg owned by the transport. The controller uses the
// Call value itself as the transport's session handle.
type Call interface {
	ID() string
	Peer() string

	// Dial sends the invite and returns once the callee answers. Cancelling
	// ctx abandons the attempt.
	Dial(ctx context.Context) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context, reason RejectReason) error
	// Hangup ends an established call, or cancels one still being dialed.
	Hangup(ctx context.Context) error

	Refer(ctx context.Context, target string) error
	// ReferReplaces asks the remote party to replace consult with itself.
	ReferReplaces(ctx context.Context, consult Call) error

	// Media returns the negotiated audio stream, or nil before negotiation.
	Media() MediaStream
}

// Listener receives asynchronous transport events.
type Listener interface {
	RegistrationChanged(state RegistrationState, err error)
	IncomingCall(call Call)
	CallTerminated(call Call, err error)
}

// MediaStream is the audio stream of one established call.
type MediaStream interface {
	Start() error
	Stop()
	// SetSendEnabled turns the outbound audio track on or off. Inbound audio
	// is not affected.
	SetSendEnabled(enabled bool)
}

// AudioOutput is the local audio device.
type AudioOutput interface {
	StartRinging(peer string)
	StopRinging()
	SupportsOutputSelection() bool
	SetSpeaker(on bool) error
}

// Clock schedules the controller timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type silentOutput struct{}

func (silentOutput) StartRinging(string)           {}
func (silentOutput) StopRinging()                  {}
func (silentOutput) SupportsOutputSelection() bool { return false }
func (silentOutput) SetSpeaker(bool) error         { return nil }
