package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callsift/callsift/internal/database"
	"github.com/callsift/callsift/internal/database/models"
)

// callResponse is the JSON shape for a single call.
type callResponse struct {
	ID           string   `json:"id"`
	ExternalID   *string  `json:"externalId"`
	PhoneNumber  string   `json:"phoneNumber"`
	Strategy     string   `json:"strategy"`
	Status       string   `json:"status"`
	AMDResult    *string  `json:"amdResult"`
	Confidence   *float64 `json:"confidence"`
	Duration     *int     `json:"duration"`
	StartedAt    string   `json:"startedAt"`
	EndedAt      *string  `json:"endedAt"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}

// toCallResponse converts a models.Call to the API response.
func toCallResponse(c *models.Call) callResponse {
	resp := callResponse{
		ID:           c.ID,
		ExternalID:   c.ExternalID,
		PhoneNumber:  c.PhoneNumber,
		Strategy:     c.Strategy,
		Status:       c.Status,
		AMDResult:    c.AMDResult,
		Confidence:   c.Confidence,
		Duration:     c.Duration,
		StartedAt:    c.StartedAt.Format(time.RFC3339),
		ErrorMessage: c.ErrorMessage,
	}
	if c.EndedAt != nil {
		s := c.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

// handleListCalls returns calls with pagination and optional filters.
// Query params: page, limit, strategy, status.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	strategy := q.Get("strategy")
	if strategy != "" && !models.ValidStrategy(strategy) {
		writeError(w, http.StatusBadRequest, "unknown strategy filter")
		return
	}
	status := q.Get("status")
	if status != "" && !models.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	filter := database.CallListFilter{
		Limit:    pg.Limit,
		Offset:   pg.Offset(),
		Strategy: strategy,
		Status:   status,
	}

	calls, total, err := s.calls.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i])
	}

	writeJSON(w, http.StatusOK, newPaginatedResponse(items, pg, total))
}

// handleGetCall returns a single call by ID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	call, err := s.calls.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get call: failed to query", "error", err, "call_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if call == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(call))
}
