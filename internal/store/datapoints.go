package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/obd2ingest/internal/core"
)

var dataPointColumns = []string{"trip_id", "timestamp", "pid", "value", "unit"}

// DataPointLoader bulk-loads trip_data rows with COPY. It implements
// core.BulkLoader.
type DataPointLoader struct {
	db DB
}

// NewDataPointLoader creates a DataPointLoader.
func NewDataPointLoader(db DB) *DataPointLoader {
	return &DataPointLoader{db: db}
}

var _ core.BulkLoader = (*DataPointLoader)(nil)

// WriteBatch copies one batch in its own transaction, so a failed batch
// leaves earlier batches in place and writes nothing of its own.
func (l *DataPointLoader) WriteBatch(ctx context.Context, tripID uuid.UUID, points []core.DataPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"trip_data"}, dataPointColumns, pointSource(tripID, points))
	if err != nil {
		return 0, fmt.Errorf("copy data points: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return int(n), nil
}

// pointSource reads the batch in place. The column order must match
// dataPointColumns.
func pointSource(tripID uuid.UUID, points []core.DataPoint) pgx.CopyFromSource {
	return pgx.CopyFromSlice(len(points), func(i int) ([]any, error) {
		p := points[i]
		id := p.TripID
		if id == uuid.Nil {
			id = tripID
		}
		return []any{id, p.Timestamp, p.PID, p.Value, p.Unit}, nil
	})
}
