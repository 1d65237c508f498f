package phone

import "errors"

var (
	// ErrRegistration is returned when the line cannot be registered.
	ErrRegistration = errors.New("registration failed")

	// ErrConnection is wrapped by transports when the signaling connection
	// itself could not be opened.
	ErrConnection = errors.New("connection failed")

	ErrDial     = errors.New("dial failed")
	ErrAccept   = errors.New("accept failed")
	ErrTransfer = errors.New("transfer failed")

	// ErrInvalidTransferTarget is returned for an empty transfer target or
	// one that points back at the local extension.
	ErrInvalidTransferTarget = errors.New("invalid transfer target")

	ErrNoSession    = errors.New("no active call")
	ErrInvalidState = errors.New("operation not valid in current call state")
	ErrBusy         = errors.New("a call is already active")
	ErrNotReady     = errors.New("phone is not initialized")
	ErrClosed       = errors.New("phone is shut down")
)

// StatusText returns the user-facing text for a failed operation. Only the
// sentinel err wraps is considered, so transport detail never reaches the
// user.
func StatusText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return StatusConnectionFailed
	case errors.Is(err, ErrRegistration):
		return StatusRegistrationFailed
	case errors.Is(err, ErrTransfer):
		return StatusTransferFailed
	default:
		return StatusCallFailed
	}
}
