package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/callsift/callsift/internal/database/models"
	"github.com/callsift/callsift/internal/engine"
	"github.com/callsift/callsift/internal/twiml"
)

// eventAck is the body returned for every provider event. The HTTP status
// is always 200: providers treat non-2xx as a signal to retry, and an
// unknown call will never become known by retrying.
type eventAck struct {
	Received bool   `json:"received"`
	Reason   string `json:"reason,omitempty"`
}

// handleProviderEvent ingests a call-progress webhook. Provider webhooks
// are form-encoded.
func (s *Server) handleProviderEvent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("unparseable provider event", "error", err)
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "unparseable body"})
		return
	}

	ev := engine.Event{
		ExternalID:   r.PostFormValue("CallSid"),
		Status:       r.PostFormValue("CallStatus"),
		AnsweredBy:   r.PostFormValue("AnsweredBy"),
		RecordingURL: r.PostFormValue("RecordingUrl"),
		ErrorMessage: r.PostFormValue("ErrorMessage"),
	}
	if raw := r.PostFormValue("CallDuration"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			ev.Duration = &v
		}
	}

	if ev.ExternalID == "" {
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "missing call id"})
		return
	}

	err := s.machine.HandleProviderEvent(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, eventAck{Received: true})
	case errors.Is(err, engine.ErrUnmatchedEvent):
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "unknown call"})
	default:
		// Internal failure; still acknowledge so the provider does not
		// retry into the same failure.
		s.logger.Error("provider event processing failed",
			"external_id", ev.ExternalID, "provider_status", ev.Status, "error", err)
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "internal error"})
	}
}

// maxAudioBodySize caps an out-of-band audio submission.
const maxAudioBodySize = 10 << 20

// handleProviderAudio ingests answer audio captured outside the webhook
// flow, such as a media gateway posting the first seconds of the callee
// leg. The audio runs through the call's detection strategy and the
// outcome lands on the record the same way a webhook-triggered
// classification does. Like the event webhook, the response is always
// 200 with an in-body ack.
func (s *Server) handleProviderAudio(w http.ResponseWriter, r *http.Request) {
	externalID := r.URL.Query().Get("callSid")
	if externalID == "" {
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "missing call id"})
		return
	}

	signal, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBodySize))
	if err != nil {
		s.logger.Warn("reading audio submission failed", "external_id", externalID, "error", err)
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "unreadable body"})
		return
	}
	if len(signal) == 0 {
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "empty body"})
		return
	}

	err = s.machine.SubmitSignal(r.Context(), externalID, signal)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, eventAck{Received: true})
	case errors.Is(err, engine.ErrUnmatchedEvent):
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "unknown call"})
	default:
		s.logger.Error("audio submission processing failed",
			"external_id", externalID, "error", err)
		writeJSON(w, http.StatusOK, eventAck{Received: false, Reason: "internal error"})
	}
}

// handleProviderVoice returns the control-markup document the carrier
// fetches when an outbound call connects. The carrier has no recovery
// path mid-call, so on any internal error this still returns a valid
// minimal document.
func (s *Server) handleProviderVoice(w http.ResponseWriter, r *http.Request) {
	// The connect callback doubles as a progress signal: it only fires
	// once the callee picks up, and it may carry the carrier's AMD
	// verdict. Processing is best-effort; the markup is served no matter
	// what.
	if err := r.ParseForm(); err == nil {
		if sid := r.PostFormValue("CallSid"); sid != "" {
			ev := engine.Event{
				ExternalID: sid,
				Status:     "in-progress",
				AnsweredBy: r.PostFormValue("AnsweredBy"),
			}
			if err := s.machine.HandleProviderEvent(r.Context(), ev); err != nil && !errors.Is(err, engine.ErrUnmatchedEvent) {
				s.logger.Warn("voice callback event processing failed",
					"external_id", sid, "error", err)
			}
		}
	}

	response := twiml.Greeting(s.cfg.GreetingMessage, s.cfg.GreetingHoldSeconds)
	if id := r.URL.Query().Get("callId"); id != "" {
		call, err := s.calls.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Warn("voice callback call lookup failed", "call_id", id, "error", err)
		} else if call != nil && models.TerminalStatus(call.Status) {
			// The call ended before the carrier fetched instructions;
			// holding the line open buys nothing.
			response = twiml.Goodbye()
		}
	}

	doc, err := response.Render()
	if err != nil {
		s.logger.Error("rendering voice response failed", "error", err)
		doc = twiml.Fallback()
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc); err != nil {
		s.logger.Error("writing voice response failed", "error", err)
	}
}
