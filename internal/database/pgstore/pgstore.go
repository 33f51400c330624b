// Package pgstore implements the call repository on PostgreSQL for
// deployments that already run a Postgres cluster. The default store is the
// embedded SQLite database; this one is selected by a non-empty DSN.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/callsift/callsift/internal/database"
	"github.com/callsift/callsift/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.CallRepository using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

const callColumns = `id, external_id, phone_number, strategy, status,
	 amd_result, confidence, duration, started_at, ended_at, error_message`

// Create inserts a new call record.
func (s *Store) Create(ctx context.Context, call *models.Call) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (`+callColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
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
func (s *Store) GetByID(ctx context.Context, id string) (*models.Call, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = $1`, id,
	))
}

// GetByExternalID returns a call by provider-assigned id, or nil if not found.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*models.Call, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE external_id = $1`, externalID,
	))
}

// SetExternalID binds the provider call id to a call record.
func (s *Store) SetExternalID(ctx context.Context, id, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET external_id = $1 WHERE id = $2`, externalID, id)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return database.ErrDuplicateExternalID
		}
		return fmt.Errorf("setting external id: %w", err)
	}
	return nil
}

// UpdateIfStatus conditionally writes the call's mutable fields.
func (s *Store) UpdateIfStatus(ctx context.Context, call *models.Call, prevStatus string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = $1, amd_result = $2, confidence = $3,
		 duration = $4, ended_at = $5, error_message = $6
		 WHERE id = $7 AND status = $8`,
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
func (s *Store) UpdateAMDResultIf(ctx context.Context, id string, result *string, confidence *float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET amd_result = $1, confidence = $2
		 WHERE id = $3 AND (amd_result IS NULL OR amd_result = 'uncertain')`,
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
func (s *Store) List(ctx context.Context, filter database.CallListFilter) ([]models.Call, int, error) {
	where := "TRUE"
	args := []any{}

	if filter.Strategy != "" {
		args = append(args, filter.Strategy)
		where += fmt.Sprintf(" AND strategy = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM calls WHERE %s
		 ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		callColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *Store) ListStale(ctx context.Context, statuses []string, olderThan time.Time) ([]models.Call, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(statuses)+1)
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, st)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	args = append(args, olderThan)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM calls WHERE status IN (%s) AND started_at < $%d`,
			callColumns, strings.Join(placeholders, ","), len(args)), args...)
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

func scanOne(row *sql.Row) (*models.Call, error) {
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

// Compile-time interface check.
var _ database.CallRepository = (*Store)(nil)
