// Package engine owns the authoritative state of each in-flight call: it
// reconciles asynchronous, out-of-order, possibly duplicated provider
// events against the call record with conditional writes, and hands raw
// detection signals to the strategy dispatcher.
package engine

import "github.com/callsift/callsift/internal/database/models"

// Event is a provider status notification, already parsed out of the
// webhook's wire format.
type Event struct {
	ExternalID   string
	Status       string // raw provider status string
	AnsweredBy   string // carrier AMD token, empty when absent
	Duration     *int   // provider-reported call seconds, nil when absent
	RecordingURL string // call audio location, empty when absent
	ErrorMessage string // provider error detail, empty when absent
}

// statusRank is the lifecycle ordering. A transition never lowers the rank;
// equal-rank events are duplicates and apply as no-ops.
var statusRank = map[string]int{
	models.StatusInitiated: 0,
	models.StatusRinging:   1,
	models.StatusAnswered:  2,
	models.StatusDetecting: 3,
	models.StatusCompleted: 4,
	models.StatusFailed:    4,
}

// mapProviderStatus translates the provider's status vocabulary into the
// internal lifecycle. ok is false for statuses the engine does not track;
// those are ignored rather than failed so providers can add statuses
// without breaking ingestion.
func mapProviderStatus(status string) (string, bool) {
	switch status {
	case "queued", "initiated":
		return models.StatusInitiated, true
	case "ringing":
		return models.StatusRinging, true
	case "answered", "in-progress":
		return models.StatusAnswered, true
	case "completed":
		return models.StatusCompleted, true
	case "busy", "no-answer", "failed", "canceled":
		return models.StatusFailed, true
	}
	return "", false
}
