package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/obd2ingest/internal/core"
)

// TripStore owns the trips table. It implements core.TripSink.
type TripStore struct {
	db DB
}

// NewTripStore creates a TripStore.
func NewTripStore(db DB) *TripStore {
	return &TripStore{db: db}
}

var _ core.TripSink = (*TripStore)(nil)

// Create inserts a pending trip and returns its ID.
func (s *TripStore) Create(ctx context.Context, info core.TripInfo) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx,
		`INSERT INTO trips (id, file_name, checksum, status) VALUES ($1, $2, $3, $4)`,
		id, info.FileName, info.Checksum, string(core.TripPending),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert trip: %w", err)
	}
	return id, nil
}

// UpdateStatus sets a trip's status.
func (s *TripStore) UpdateStatus(ctx context.Context, id uuid.UUID, status core.TripStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE trips SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update trip status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update trip status %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateMetadata writes the non-nil fields of meta.
func (s *TripStore) UpdateMetadata(ctx context.Context, id uuid.UUID, meta core.TripMetadata) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips SET
			session_date        = COALESCE($2, session_date),
			duration_seconds    = COALESCE($3, duration_seconds),
			data_points_count   = COALESCE($4, data_points_count),
			catalyst_efficiency = COALESCE($5, catalyst_efficiency),
			avg_fuel_trim_st    = COALESCE($6, avg_fuel_trim_st),
			avg_fuel_trim_lt    = COALESCE($7, avg_fuel_trim_lt),
			analysis_results    = COALESCE($8::jsonb, analysis_results),
			updated_at          = now()
		WHERE id = $1`,
		id,
		meta.SessionDate,
		meta.DurationSeconds,
		meta.DataPointsCount,
		meta.CatalystEfficiency,
		meta.AvgFuelTrimST,
		meta.AvgFuelTrimLT,
		nullableJSON(meta.AnalysisResults),
	)
	if err != nil {
		return fmt.Errorf("update trip metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update trip metadata %s: %w", id, ErrNotFound)
	}
	return nil
}

const tripColumns = `id, status, file_name, checksum, session_date, duration_seconds,
	data_points_count, catalyst_efficiency, avg_fuel_trim_st, avg_fuel_trim_lt,
	analysis_results, created_at, updated_at`

func scanTrip(row pgx.Row) (*core.Trip, error) {
	var (
		t        core.Trip
		status   string
		analysis []byte
	)
	err := row.Scan(
		&t.ID, &status, &t.FileName, &t.Checksum, &t.SessionDate, &t.DurationSeconds,
		&t.DataPointsCount, &t.CatalystEfficiency, &t.AvgFuelTrimST, &t.AvgFuelTrimLT,
		&analysis, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = core.TripStatus(status)
	t.AnalysisResults = analysis
	return &t, nil
}

// Get returns one trip.
func (s *TripStore) Get(ctx context.Context, id uuid.UUID) (*core.Trip, error) {
	t, err := scanTrip(s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trip: %w", err)
	}
	return t, nil
}

// FindByChecksum returns the newest analyzed trip for a file checksum.
func (s *TripStore) FindByChecksum(ctx context.Context, checksum string) (*core.Trip, error) {
	t, err := scanTrip(s.db.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE checksum = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		checksum, string(core.TripAnalyzed),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find trip by checksum: %w", err)
	}
	return t, nil
}

// List returns the most recent trips, newest first.
func (s *TripStore) List(ctx context.Context, limit int) ([]core.Trip, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+tripColumns+` FROM trips ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	var trips []core.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, *t)
	}
	return trips, rows.Err()
}

// Delete removes a trip and, through the foreign key, its data points.
func (s *TripStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM trips WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// nullableJSON maps an empty document to SQL NULL so COALESCE keeps the
// stored value.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
