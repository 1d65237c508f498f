package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/flowpbx/flowphone/internal/phone"
)

// phoneResponse is the read model plus the detailed session view.
type phoneResponse struct {
	phone.Snapshot
	Session *phone.CallSession `json:"session"`
}

type targetRequest struct {
	Target string `json:"target"`
}

func (s *Server) phoneState() phoneResponse {
	return phoneResponse{
		Snapshot: s.phone.Snapshot(),
		Session:  s.phone.Session(),
	}
}

// handleGetPhone returns the current phone state.
func (s *Server) handleGetPhone(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.phoneState())
}

// intent adapts a parameterless controller intent to a handler. Intents
// complete asynchronously; the response carries the state right after the
// intent was accepted.
func (s *Server) intent(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			s.writePhoneError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.phoneState())
	}
}

// targetIntent decodes {"target": "..."} and runs fn with it.
func (s *Server) targetIntent(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	var req targetRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateTarget("target", req.Target); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := fn(strings.TrimSpace(req.Target)); err != nil {
		s.writePhoneError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.phoneState())
}

// handleDial places an outbound call.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	s.targetIntent(w, r, s.phone.Dial)
}

// handleBlindTransfer transfers the established call to a target.
func (s *Server) handleBlindTransfer(w http.ResponseWriter, r *http.Request) {
	s.targetIntent(w, r, s.phone.BlindTransfer)
}

// handleAttendedTransfer holds the call and dials a consultation call.
func (s *Server) handleAttendedTransfer(w http.ResponseWriter, r *http.Request) {
	s.targetIntent(w, r, s.phone.AttendedTransferDial)
}

// phoneErrorStatus maps controller errors to HTTP status codes.
func phoneErrorStatus(err error) int {
	switch {
	case errors.Is(err, phone.ErrInvalidTransferTarget):
		return http.StatusBadRequest
	case errors.Is(err, phone.ErrNoSession),
		errors.Is(err, phone.ErrInvalidState),
		errors.Is(err, phone.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, phone.ErrNotReady),
		errors.Is(err, phone.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, phone.ErrDial),
		errors.Is(err, phone.ErrAccept),
		errors.Is(err, phone.ErrTransfer),
		errors.Is(err, phone.ErrRegistration),
		errors.Is(err, phone.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writePhoneError(w http.ResponseWriter, r *http.Request, err error) {
	status := phoneErrorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("phone intent failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	s.logger.Debug("phone intent rejected", "path", r.URL.Path, "status", status, "error", err)
	if status == http.StatusBadGateway {
		writeError(w, status, phone.StatusText(err))
		return
	}
	writeError(w, status, err.Error())
}
