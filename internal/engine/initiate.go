package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/callsift/callsift/internal/database/models"
	"github.com/callsift/callsift/internal/metrics"
)

// ValidationError marks a rejected initiation request. Handlers map it to
// a 400 instead of a 500.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// e164Pattern accepts canonical E.164: a plus sign, a non-zero leading
// digit, at most 15 digits total.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Initiate validates the request, persists the call, and asks the
// strategy's backend to place it. The call record exists before the
// backend is contacted so a webhook racing the placement response still
// finds its call. A placement failure fails the call but still returns it:
// the caller gets an id to poll either way.
func (m *Machine) Initiate(ctx context.Context, phoneNumber, strategy string) (*models.Call, error) {
	if !e164Pattern.MatchString(phoneNumber) {
		return nil, &ValidationError{Field: "phoneNumber", Message: "must be E.164, like +15551234567"}
	}
	if strategy == "" {
		strategy = models.StrategyNativeCarrier
	}
	if !models.ValidStrategy(strategy) {
		return nil, &ValidationError{Field: "strategy", Message: "unknown detection strategy"}
	}

	call := &models.Call{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		Strategy:    strategy,
		Status:      models.StatusInitiated,
		StartedAt:   time.Now().UTC(),
	}
	if err := m.calls.Create(ctx, call); err != nil {
		return nil, fmt.Errorf("creating call: %w", err)
	}

	metrics.Dials.WithLabelValues(strategy).Inc()

	started, err := m.dispatcher.StartCall(ctx, strategy, phoneNumber, call.ID)
	if err != nil {
		m.logger.Error("call placement failed",
			"call_id", call.ID, "strategy", strategy, "error", err)
		if ferr := m.ForceFail(ctx, call.ID, "placement failed: "+err.Error()); ferr != nil {
			m.logger.Error("failing unplaced call", "call_id", call.ID, "error", ferr)
		}
		failed, gerr := m.calls.GetByID(ctx, call.ID)
		if gerr == nil && failed != nil {
			return failed, nil
		}
		return call, nil
	}

	if err := m.calls.SetExternalID(ctx, call.ID, started.ExternalID); err != nil {
		// The provider accepted the call but we cannot route its webhooks.
		m.logger.Error("binding external id failed",
			"call_id", call.ID, "external_id", started.ExternalID, "error", err)
		if ferr := m.ForceFail(ctx, call.ID, "external id conflict"); ferr != nil {
			m.logger.Error("failing unbound call", "call_id", call.ID, "error", ferr)
		}
	} else {
		call.ExternalID = &started.ExternalID
	}

	m.logger.Info("call initiated",
		"call_id", call.ID,
		"external_id", started.ExternalID,
		"strategy", strategy,
		"provider_status", started.ProviderStatus,
	)

	refreshed, err := m.calls.GetByID(ctx, call.ID)
	if err != nil || refreshed == nil {
		return call, nil
	}
	return refreshed, nil
}
