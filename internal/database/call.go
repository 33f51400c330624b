package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/callsift/callsift/internal/database/models"
)

// callRepo implements CallRepository on SQLite.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository backed by the SQLite database.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `id, external_id, phone_number, strategy, status,
	 amd_result, confidence, duration, started_at, ended_at, error_message`

// Create inserts a new call record.
func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (`+callColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.ExternalID, call.PhoneNumber, call.Strategy, call.Status,
		call.AMDResult, call.Confidence, call.Duration, call.StartedAt,
		call.EndedAt, call.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

// GetByID returns a call by internal id, or nil if not found.
func (r *callRepo) GetByID(ctx context.Context, id string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id,
	))
}

// GetByExternalID returns a call by provider-assigned id, or nil if not found.
func (r *callRepo) GetByExternalID(ctx context.Context, externalID string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE external_id = ?`, externalID,
	))
}

// SetExternalID binds the provider call id to a call record.
func (r *callRepo) SetExternalID(ctx context.Context, id, externalID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET external_id = ? WHERE id = ?`, externalID, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("setting external id: %w", err)
	}
	return nil
}

// UpdateIfStatus conditionally writes the call's mutable fields.
func (r *callRepo) UpdateIfStatus(ctx context.Context, call *models.Call, prevStatus string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, amd_result = ?, confidence = ?,
		 duration = ?, ended_at = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		call.Status, call.AMDResult, call.Confidence, call.Duration,
		call.EndedAt, call.ErrorMessage, call.ID, prevStatus,
	)
	if err != nil {
		return false, fmt.Errorf("updating call: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateAMDResultIf sets amd_result/confidence only while the stored result
// is still absent or "uncertain".
func (r *callRepo) UpdateAMDResultIf(ctx context.Context, id string, result *string, confidence *float64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET amd_result = ?, confidence = ?
		 WHERE id = ? AND (amd_result IS NULL OR amd_result = 'uncertain')`,
		result, confidence, id,
	)
	if err != nil {
		return false, fmt.Errorf("updating amd result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// List returns calls matching the filter, newest first, with the total count.
func (r *callRepo) List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Strategy != "" {
		where += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	query := `SELECT ` + callColumns + ` FROM calls WHERE ` + where +
		` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	calls, err := scanCalls(rows)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// ListStale returns non-terminal calls in the given statuses older than the cutoff.
func (r *callRepo) ListStale(ctx context.Context, statuses []string, olderThan time.Time) ([]models.Call, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, olderThan)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE status IN (`+placeholders+`) AND started_at < ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stale calls: %w", err)
	}
	defer rows.Close()

	return scanCalls(rows)
}

func scanCalls(rows *sql.Rows) ([]models.Call, error) {
	var calls []models.Call
	for rows.Next() {
		var c models.Call
		if err := rows.Scan(&c.ID, &c.ExternalID, &c.PhoneNumber, &c.Strategy,
			&c.Status, &c.AMDResult, &c.Confidence, &c.Duration,
			&c.StartedAt, &c.EndedAt, &c.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, nil
}

func (r *callRepo) scanOne(row *sql.Row) (*models.Call, error) {
	var c models.Call
	err := row.Scan(&c.ID, &c.ExternalID, &c.PhoneNumber, &c.Strategy,
		&c.Status, &c.AMDResult, &c.Confidence, &c.Duration,
		&c.StartedAt, &c.EndedAt, &c.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return &c, nil
}
