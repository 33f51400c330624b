package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/callsift/callsift/internal/amd"
	"github.com/callsift/callsift/internal/database"
	"github.com/callsift/callsift/internal/database/models"
	"github.com/callsift/callsift/internal/metrics"
)

// ErrUnmatchedEvent is returned when an event references an external id no
// call owns. Callers acknowledge the provider anyway; the provider retries
// forever otherwise.
var ErrUnmatchedEvent = errors.New("event matches no known call")

// ErrStoreConflict is returned when the bounded retry budget is exhausted
// by concurrent writers. Webhook ingestion logs and acknowledges it; only
// client-facing callers surface it.
var ErrStoreConflict = errors.New("conditional update lost repeatedly")

// maxTransitionAttempts bounds the re-read/re-apply loop on lost
// conditional writes.
const maxTransitionAttempts = 3

// maxRecordingBytes caps fetched call audio.
const maxRecordingBytes = 10 << 20

// Machine applies provider events and classification results to call
// records. It is the single writer for call state: every mutation is a
// conditional write keyed by the status the decision was computed from, so
// concurrent events for one call serialize instead of clobbering each
// other, while events for different calls proceed independently.
type Machine struct {
	calls      database.CallRepository
	dispatcher *amd.Dispatcher
	audio      *http.Client
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewMachine creates the call state machine.
func NewMachine(calls database.CallRepository, dispatcher *amd.Dispatcher, logger *slog.Logger) *Machine {
	return &Machine{
		calls:      calls,
		dispatcher: dispatcher,
		audio:      &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "engine"),
	}
}

// Wait blocks until all in-flight classification goroutines finish. Called
// during shutdown so late results are not dropped mid-write.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// HandleProviderEvent resolves the event to a call and applies the
// transition it implies. Duplicate and out-of-order deliveries are
// idempotent: a transition only applies when it moves the call forward, and
// forward jumps over undelivered intermediate events are accepted.
func (m *Machine) HandleProviderEvent(ctx context.Context, ev Event) error {
	metrics.ProviderEvents.WithLabelValues(ev.Status).Inc()

	target, ok := mapProviderStatus(ev.Status)
	if !ok {
		m.logger.Debug("ignoring unrecognized provider status",
			"external_id", ev.ExternalID, "provider_status", ev.Status)
		return nil
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		call, err := m.calls.GetByExternalID(ctx, ev.ExternalID)
		if err != nil {
			return fmt.Errorf("loading call for event: %w", err)
		}
		if call == nil {
			metrics.UnmatchedEvents.Inc()
			m.logger.Warn("discarding unmatched provider event",
				"external_id", ev.ExternalID, "provider_status", ev.Status)
			return ErrUnmatchedEvent
		}

		updated, changed := advance(call, target, ev, time.Now().UTC())
		if !changed {
			return nil
		}

		applied, err := m.calls.UpdateIfStatus(ctx, updated, call.Status)
		if err != nil {
			return fmt.Errorf("applying transition: %w", err)
		}
		if applied {
			metrics.Transitions.WithLabelValues(updated.Status).Inc()
			m.logger.Info("call transition",
				"call_id", call.ID,
				"external_id", ev.ExternalID,
				"from", call.Status,
				"to", updated.Status,
			)

			// An AMD-capable signal on the event starts classification the
			// moment the transition lands.
			if ev.AnsweredBy != "" || ev.RecordingURL != "" {
				if updated.Status == models.StatusDetecting || updated.Status == models.StatusCompleted {
					m.spawnClassification(updated, ev)
				}
			}
			return nil
		}

		metrics.StoreConflicts.Inc()
	}

	return ErrStoreConflict
}

// advance computes the transition a provider event implies against the
// call's current state. It is pure: no I/O, no clock reads beyond the
// passed-in now. changed is false for duplicates, regressions, and events
// against terminal calls.
func advance(call *models.Call, target string, ev Event, now time.Time) (*models.Call, bool) {
	if models.TerminalStatus(call.Status) {
		return nil, false
	}

	// The instant an AMD-capable signal accompanies the answer, the call
	// is detecting, not merely answered.
	if target == models.StatusAnswered && (ev.AnsweredBy != "" || ev.RecordingURL != "") {
		target = models.StatusDetecting
	}

	// Monotonic progress only. A "completed" arriving before "ringing"
	// jumps forward; a stale "ringing" after "answered" is dropped.
	if statusRank[target] <= statusRank[call.Status] {
		return nil, false
	}

	updated := *call
	updated.Status = target

	if target == models.StatusFailed {
		if ev.ErrorMessage != "" {
			updated.ErrorMessage = ev.ErrorMessage
		} else {
			updated.ErrorMessage = "provider reported " + ev.Status
		}
	}

	if models.TerminalStatus(target) {
		updated.EndedAt = &now
		if ev.Duration != nil {
			updated.Duration = ev.Duration
		} else if updated.Duration == nil {
			d := int(now.Sub(call.StartedAt).Seconds())
			if d < 0 {
				d = 0
			}
			updated.Duration = &d
		}
	}

	return &updated, true
}

// spawnClassification runs the strategy backend for the event's signal in
// the background. The call-wide record is never locked while the backend
// runs; the result re-enters through ApplyResult's conditional writes.
func (m *Machine) spawnClassification(call *models.Call, ev Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Detached from the webhook request: the provider has already been
		// acknowledged by the time the backend answers.
		ctx := context.Background()

		var signal []byte
		if ev.AnsweredBy != "" {
			signal = []byte(ev.AnsweredBy)
		} else if ev.RecordingURL != "" {
			var err error
			signal, err = m.fetchRecording(ctx, ev.RecordingURL)
			if err != nil {
				m.logger.Warn("fetching call recording failed",
					"external_id", ev.ExternalID, "error", err)
			}
		}

		result := m.dispatcher.Classify(ctx, call.Strategy, signal)
		metrics.Classifications.WithLabelValues(call.Strategy, string(result.Label)).Inc()

		if err := m.ApplyResult(ctx, ev.ExternalID, result); err != nil {
			m.logger.Error("applying classification result failed",
				"external_id", ev.ExternalID, "label", result.Label, "error", err)
		}
	}()
}

// SubmitSignal classifies a raw detection signal for the call bound to
// externalID and applies the outcome. It is the entry point for callers
// that obtain call audio out-of-band.
func (m *Machine) SubmitSignal(ctx context.Context, externalID string, signal []byte) error {
	call, err := m.calls.GetByExternalID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("loading call for signal: %w", err)
	}
	if call == nil {
		metrics.UnmatchedEvents.Inc()
		return ErrUnmatchedEvent
	}

	result := m.dispatcher.Classify(ctx, call.Strategy, signal)
	metrics.Classifications.WithLabelValues(call.Strategy, string(result.Label)).Inc()

	return m.ApplyResult(ctx, externalID, result)
}

// ApplyResult commits a normalized AMD result. A call still in flight
// completes with the result; a completed call takes the result in place
// only while its stored result is absent or uncertain; a failed call
// ignores it.
func (m *Machine) ApplyResult(ctx context.Context, externalID string, result amd.Result) error {
	result = result.Normalize()

	label := string(result.Label)
	var conf *float64
	if result.Label != amd.LabelError {
		c := result.Confidence
		conf = &c
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		call, err := m.calls.GetByExternalID(ctx, externalID)
		if err != nil {
			return fmt.Errorf("loading call for result: %w", err)
		}
		if call == nil {
			metrics.UnmatchedEvents.Inc()
			return ErrUnmatchedEvent
		}

		if call.Status == models.StatusFailed {
			return nil
		}

		if call.Status == models.StatusCompleted {
			// Late result; supersede a placeholder, never a definitive label.
			applied, err := m.calls.UpdateAMDResultIf(ctx, call.ID, &label, conf)
			if err != nil {
				return fmt.Errorf("updating late amd result: %w", err)
			}
			if applied {
				m.logger.Info("late amd result applied",
					"call_id", call.ID, "label", label)
			}
			return nil
		}

		updated := *call
		updated.Status = models.StatusCompleted
		now := time.Now().UTC()
		updated.EndedAt = &now
		if updated.Duration == nil {
			d := int(now.Sub(call.StartedAt).Seconds())
			if d < 0 {
				d = 0
			}
			updated.Duration = &d
		}
		if call.AMDResult == nil || *call.AMDResult == string(amd.LabelUncertain) {
			updated.AMDResult = &label
			updated.Confidence = conf
		}

		applied, err := m.calls.UpdateIfStatus(ctx, &updated, call.Status)
		if err != nil {
			return fmt.Errorf("completing call with result: %w", err)
		}
		if applied {
			metrics.Transitions.WithLabelValues(updated.Status).Inc()
			m.logger.Info("call completed with amd result",
				"call_id", call.ID,
				"external_id", externalID,
				"label", label,
			)
			return nil
		}

		metrics.StoreConflicts.Inc()
	}

	return ErrStoreConflict
}

// ForceFail terminates a non-terminal call with the given reason. Used by
// the housekeeping sweep for calls the provider went silent on.
func (m *Machine) ForceFail(ctx context.Context, callID, reason string) error {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		call, err := m.calls.GetByID(ctx, callID)
		if err != nil {
			return fmt.Errorf("loading call: %w", err)
		}
		if call == nil || models.TerminalStatus(call.Status) {
			return nil
		}

		updated := *call
		updated.Status = models.StatusFailed
		updated.ErrorMessage = reason
		now := time.Now().UTC()
		updated.EndedAt = &now

		applied, err := m.calls.UpdateIfStatus(ctx, &updated, call.Status)
		if err != nil {
			return fmt.Errorf("failing call: %w", err)
		}
		if applied {
			metrics.Transitions.WithLabelValues(updated.Status).Inc()
			return nil
		}

		metrics.StoreConflicts.Inc()
	}

	return ErrStoreConflict
}

func (m *Machine) fetchRecording(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating recording request: %w", err)
	}

	resp, err := m.audio.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recording fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes))
	if err != nil {
		return nil, fmt.Errorf("reading recording: %w", err)
	}
	return data, nil
}
