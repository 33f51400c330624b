package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/callsift/callsift/internal/database/models"
	"github.com/callsift/callsift/internal/engine"
)

// dialRequest is the body for POST /dial.
type dialRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Strategy    string `json:"strategy"`
}

// dialResponse is returned after a call is created.
type dialResponse struct {
	CallID        string `json:"callId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Status        string `json:"status"`
}

// handleDial creates a call and starts dialing through the strategy's
// backend.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	call, err := s.machine.Initiate(r.Context(), req.PhoneNumber, req.Strategy)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("dial failed", "phone_number", req.PhoneNumber, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := dialResponse{
		CallID: call.ID,
		Status: call.Status,
	}
	if call.ExternalID != nil {
		resp.CorrelationID = *call.ExternalID
	}

	// Placement failed but the record exists: the client gets the id so
	// it can see the failure in call history.
	if call.Status == models.StatusFailed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		if err := json.NewEncoder(w).Encode(envelope{Data: resp, Error: call.ErrorMessage}); err != nil {
			s.logger.Error("failed to encode json response", "error", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
