package amd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/callsift/callsift/internal/database/models"
)

// Dispatcher routes start and classify operations to the adapter bound to a
// call's strategy. It is the only place backend failures are converted into
// normalized error results; callers never see a raw adapter fault from
// Classify.
type Dispatcher struct {
	adapters        map[string]Adapter
	classifyTimeout time.Duration
	logger          *slog.Logger
}

// NewDispatcher creates a dispatcher. Every strategy in the enumeration
// must have an adapter; a partial map is a wiring bug caught at startup.
func NewDispatcher(adapters map[string]Adapter, classifyTimeout time.Duration, logger *slog.Logger) (*Dispatcher, error) {
	for _, strategy := range models.Strategies {
		if adapters[strategy] == nil {
			return nil, fmt.Errorf("no adapter wired for strategy %q", strategy)
		}
	}
	if classifyTimeout <= 0 {
		classifyTimeout = 30 * time.Second
	}
	return &Dispatcher{
		adapters:        adapters,
		classifyTimeout: classifyTimeout,
		logger:          logger.With("component", "dispatcher"),
	}, nil
}

// StartCall invokes the strategy's adapter to place the outbound call.
func (d *Dispatcher) StartCall(ctx context.Context, strategy, phoneNumber, callID string) (*StartResult, error) {
	adapter, ok := d.adapters[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	return adapter.StartCall(ctx, phoneNumber, callID)
}

// Classify invokes the strategy's adapter under the classification timeout.
// It always returns a normalized result: adapter errors, timeouts, and
// unknown strategies all collapse to the error label with zero confidence
// rather than propagating and stalling the state machine.
func (d *Dispatcher) Classify(ctx context.Context, strategy string, signal []byte) Result {
	adapter, ok := d.adapters[strategy]
	if !ok {
		d.logger.Error("classify requested for unknown strategy", "strategy", strategy)
		return ErrorResult(strategy)
	}

	ctx, cancel := context.WithTimeout(ctx, d.classifyTimeout)
	defer cancel()

	result, err := adapter.Classify(ctx, signal)
	if err != nil {
		d.logger.Warn("backend classification failed",
			"strategy", strategy,
			"error", err,
		)
		return ErrorResult(strategy)
	}

	return result.Normalize()
}
