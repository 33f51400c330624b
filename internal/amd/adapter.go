package amd

import "context"

// StartResult is the outcome of asking a backend to place an outbound call.
type StartResult struct {
	// ExternalID is the provider-assigned call identifier. Inbound provider
	// events are correlated back to the internal call record through it.
	ExternalID string
	// ProviderStatus is the provider's initial status string for the call.
	ProviderStatus string
}

// Adapter is the contract every detection backend satisfies. Exactly one
// adapter is active per call, selected by the call's strategy at creation.
type Adapter interface {
	// StartCall asks the backend to place the outbound call. callID is the
	// internal call id, embedded in callback URLs so the provider's events
	// and control requests reference the right record.
	StartCall(ctx context.Context, phoneNumber, callID string) (*StartResult, error)

	// Classify maps a raw detection signal (recorded audio for ML backends,
	// the carrier's answered-by token for native detection) into the
	// normalized result shape.
	Classify(ctx context.Context, signal []byte) (Result, error)
}

// CallStarter places outbound calls on behalf of backends that only
// classify. ML classifiers have no PSTN leg of their own; the carrier
// places the call and the classifier consumes its audio.
type CallStarter interface {
	StartCall(ctx context.Context, phoneNumber, callID string) (*StartResult, error)
}
