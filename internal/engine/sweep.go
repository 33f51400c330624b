package engine

import (
	"context"
	"time"

	"github.com/callsift/callsift/internal/database/models"
)

// nonTerminalStatuses are the states a stale call can be stuck in.
var nonTerminalStatuses = []string{
	models.StatusInitiated,
	models.StatusRinging,
	models.StatusAnswered,
	models.StatusDetecting,
}

// StartSweepTicker runs a background goroutine that force-fails calls
// stuck in a non-terminal state longer than maxAge. Providers occasionally
// drop the terminal webhook; without the sweep those calls sit in flight
// forever. The goroutine stops when the provided context is cancelled.
func (m *Machine) StartSweepTicker(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx, maxAge)
			}
		}
	}()
}

func (m *Machine) sweepOnce(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge)

	stale, err := m.calls.ListStale(ctx, nonTerminalStatuses, cutoff)
	if err != nil {
		m.logger.Error("stale call sweep failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	m.logger.Info("stale call sweep", "count", len(stale))

	for _, call := range stale {
		if err := m.ForceFail(ctx, call.ID, "timed out waiting for provider events"); err != nil {
			m.logger.Warn("failed to expire stale call", "call_id", call.ID, "error", err)
		}
	}
}
