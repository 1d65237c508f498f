package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// callResponse is the JSON response for a single call history entry.
type callResponse struct {
	ID              string  `json:"id"`
	CallID          string  `json:"callId"`
	Direction       string  `json:"direction"`
	Peer            string  `json:"peer"`
	StartedAt       string  `json:"startedAt"`
	AnsweredAt      *string `json:"answeredAt"`
	EndedAt         string  `json:"endedAt"`
	DurationSeconds int     `json:"durationSeconds"`
	Disposition     string  `json:"disposition"`
	Missed          bool    `json:"missed"`
}

func toCallResponse(c *models.CallRecord) callResponse {
	resp := callResponse{
		ID:              c.ID,
		CallID:          c.CallID,
		Direction:       c.Direction,
		Peer:            c.Peer,
		StartedAt:       c.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:         c.EndedAt.UTC().Format(time.RFC3339),
		DurationSeconds: c.DurationSeconds,
		Disposition:     c.Disposition,
		Missed:          c.Missed,
	}
	if c.AnsweredAt != nil {
		s := c.AnsweredAt.UTC().Format(time.RFC3339)
		resp.AnsweredAt = &s
	}
	return resp
}

// handleListCalls returns call history with pagination and optional filters.
// Query params: limit, offset, direction, missed.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != "inbound" && direction != "outbound" {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\" or \"outbound\"")
		return
	}
	missed := false
	if v := q.Get("missed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "missed must be a boolean")
			return
		}
		missed = b
	}

	calls, total, err := s.calls.List(r.Context(), database.CallHistoryFilter{
		Limit:      pg.Limit,
		Offset:     pg.Offset,
		MissedOnly: missed,
		Direction:  direction,
	})
	if err != nil {
		s.logger.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCall returns a single call history entry by handle.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > 64 {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}

	call, err := s.calls.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get call: failed to query", "error", err, "call_handle", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if call == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(call))
}
