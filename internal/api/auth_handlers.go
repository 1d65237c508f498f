package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/auth"
)

// tokenSubject identifies tokens issued by the login endpoint.
const tokenSubject = "api"

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin exchanges the API password for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginEnabled() {
		writeError(w, http.StatusNotFound, "login is not enabled")
		return
	}

	ip := middleware.ClientIP(r)
	if remaining, blocked := s.guard.Blocked(ip); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Round(time.Second).Seconds())))
		writeError(w, http.StatusTooManyRequests, "too many failed attempts")
		return
	}

	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("password", req.Password, maxPasswordLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	ok, err := auth.CheckPassword(req.Password, s.opts.PasswordHash)
	if err != nil {
		s.logger.Error("login: stored password hash is invalid", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.guard.Failure(ip)
		s.logger.Warn("login failed", "ip", ip)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	s.guard.Success(ip)

	token, expiresAt, err := auth.IssueToken(s.opts.JWTSecret, tokenSubject, auth.TokenTTL)
	if err != nil {
		s.logger.Error("login: failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("login succeeded", "ip", ip)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}
