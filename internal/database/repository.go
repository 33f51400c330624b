package database

import (
	"context"
	"errors"
	"time"

	"github.com/callsift/callsift/internal/database/models"
)

// ErrDuplicateExternalID is returned when an external id is already bound
// to another call. Exactly one call may own a given external id.
var ErrDuplicateExternalID = errors.New("external id already assigned to another call")

// CallRepository is the durable store for call records. All status mutation
// goes through UpdateIfStatus, a conditional write keyed by (id, previous
// status), so two concurrent events for the same call cannot both win.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetByID(ctx context.Context, id string) (*models.Call, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Call, error)

	// SetExternalID binds the provider-assigned id to a call. It fails with
	// ErrDuplicateExternalID if another call already owns it.
	SetExternalID(ctx context.Context, id, externalID string) error

	// UpdateIfStatus writes the call's mutable fields only if the stored
	// status still equals prevStatus. It reports whether the write applied;
	// false means a concurrent writer moved the call first and the caller
	// should re-read and re-apply.
	UpdateIfStatus(ctx context.Context, call *models.Call, prevStatus string) (bool, error)

	// UpdateAMDResultIf sets amd_result/confidence in place, but only while
	// the stored result is still absent or "uncertain", so a late
	// high-quality classification supersedes a placeholder without ever
	// clobbering a definitive one. Reports whether the write applied.
	UpdateAMDResultIf(ctx context.Context, id string, result *string, confidence *float64) (bool, error)

	List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error)

	// ListStale returns non-terminal calls in the given statuses whose
	// started_at is older than the cutoff. Used by the housekeeping sweep.
	ListStale(ctx context.Context, statuses []string, olderThan time.Time) ([]models.Call, error)
}

// CallListFilter specifies filtering and pagination for call list queries.
type CallListFilter struct {
	Limit    int
	Offset   int
	Strategy string
	Status   string
}
