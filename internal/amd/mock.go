package amd

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// standInStart fabricates a call start for backends with no live provider
// wired. The synthetic external id keeps the rest of the lifecycle
// exercisable: webhook simulators and tests can reference it.
func standInStart(logger *slog.Logger, callID string) *StartResult {
	externalID := "standin-" + uuid.NewString()
	logger.Warn("no call provider wired, using stand-in start",
		"call_id", callID,
		"external_id", externalID,
	)
	return &StartResult{ExternalID: externalID, ProviderStatus: "initiated"}
}

// StandInAdapter satisfies the adapter contract for backends that are not
// yet wired to a live service. It never fabricates a confident claim: every
// classification is a fixed low-confidence uncertain result.
type StandInAdapter struct {
	Model  string
	Logger *slog.Logger
}

// StartCall returns a synthetic start result.
func (s *StandInAdapter) StartCall(ctx context.Context, phoneNumber, callID string) (*StartResult, error) {
	return standInStart(s.Logger, callID), nil
}

// Classify returns the fixed uncertain-leaning result.
func (s *StandInAdapter) Classify(ctx context.Context, signal []byte) (Result, error) {
	return Result{Label: LabelUncertain, Confidence: 0.3, Model: s.Model}, nil
}

var _ Adapter = (*StandInAdapter)(nil)
