package models

import "time"

// Call states, ordered by lifecycle progress. A call only moves forward
// through this ordering; failed and completed are terminal.
const (
	StatusInitiated = "initiated"
	StatusRinging   = "ringing"
	StatusAnswered  = "answered"
	StatusDetecting = "detecting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Detection strategies. Fixed at call creation; no mid-call switching.
const (
	StrategyNativeCarrier = "native-carrier"
	StrategySIPEnhanced   = "sip-enhanced"
	StrategyMLHostedA     = "ml-hosted-a"
	StrategyMLHostedB     = "ml-hosted-b"
	StrategyMLRealtime    = "ml-realtime"
)

// Strategies lists every valid detection strategy.
var Strategies = []string{
	StrategyNativeCarrier,
	StrategySIPEnhanced,
	StrategyMLHostedA,
	StrategyMLHostedB,
	StrategyMLRealtime,
}

// ValidStrategy reports whether s is a member of the strategy enumeration.
func ValidStrategy(s string) bool {
	for _, v := range Strategies {
		if v == s {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known call status.
func ValidStatus(s string) bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusAnswered, StatusDetecting,
		StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TerminalStatus reports whether s is a terminal call status.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}

// Call is the single aggregate the engine owns: one outbound dial attempt
// with its answering-machine-detection outcome.
type Call struct {
	ID           string     // internal id, immutable
	ExternalID   *string    // provider-assigned id; unique when present
	PhoneNumber  string     // canonical E.164, immutable
	Strategy     string     // detection strategy, immutable
	Status       string     // lifecycle state, mutated only by the engine
	AMDResult    *string    // "human" | "machine" | "uncertain" | "error"
	Confidence   *float64   // in [0,1]; present iff AMDResult set and not "error"
	Duration     *int       // seconds, set on terminal completion
	StartedAt    time.Time  // set at creation
	EndedAt      *time.Time // set iff Status is terminal
	ErrorMessage string     // diagnostic, set when a failure terminates the call
}
