package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TripDataQueries reads trip_data for reporting.
type TripDataQueries struct {
	db DB
}

// NewTripDataQueries creates a TripDataQueries.
func NewTripDataQueries(db DB) *TripDataQueries {
	return &TripDataQueries{db: db}
}

// Sample is one stored data point.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	PID       string    `json:"pid"`
	Value     *float64  `json:"value"`
	Unit      *string   `json:"unit,omitempty"`
}

// Bucket aggregates one PID over one time bucket. Count excludes null
// values.
type Bucket struct {
	Start time.Time `json:"start"`
	PID   string    `json:"pid"`
	Avg   *float64  `json:"avg"`
	Min   *float64  `json:"min"`
	Max   *float64  `json:"max"`
	Count int64     `json:"count"`
}

// DownsampledBucket keeps the first and last value of each bucket as well as
// the average, so spikes at the edges survive the reduction.
type DownsampledBucket struct {
	Start time.Time `json:"start"`
	PID   string    `json:"pid"`
	First *float64  `json:"first"`
	Last  *float64  `json:"last"`
	Avg   *float64  `json:"avg"`
}

// StorageStats describes how much data a trip (or the whole table) holds.
type StorageStats struct {
	Points     int64      `json:"points"`
	PIDs       int64      `json:"pids"`
	FirstPoint *time.Time `json:"first_point,omitempty"`
	LastPoint  *time.Time `json:"last_point,omitempty"`
	TableBytes int64      `json:"table_bytes"`
}

// TimeRange bounds a query. Zero times leave that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) args() (start, end *time.Time) {
	if !r.Start.IsZero() {
		start = &r.Start
	}
	if !r.End.IsZero() {
		end = &r.End
	}
	return start, end
}

// pidFilter maps an empty list to NULL, which the queries read as "all".
func pidFilter(pids []string) []string {
	if len(pids) == 0 {
		return nil
	}
	return pids
}

// intervalArg renders d as a Postgres interval literal. Sub-microsecond
// precision is dropped.
func intervalArg(d time.Duration) (string, error) {
	if d < time.Microsecond {
		return "", fmt.Errorf("bucket interval %s is too small", d)
	}
	return fmt.Sprintf("%d microseconds", d.Microseconds()), nil
}

// TimeSeries returns raw samples ordered by time.
func (q *TripDataQueries) TimeSeries(ctx context.Context, tripID uuid.UUID, pids []string, r TimeRange) ([]Sample, error) {
	start, end := r.args()
	rows, err := q.db.Query(ctx, `
		SELECT timestamp, pid, value, unit
		FROM trip_data
		WHERE trip_id = $1
		  AND ($2::text[] IS NULL OR pid = ANY($2))
		  AND ($3::timestamptz IS NULL OR timestamp >= $3)
		  AND ($4::timestamptz IS NULL OR timestamp <= $4)
		ORDER BY timestamp, pid`,
		tripID, pidFilter(pids), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query time series: %w", err)
	}
	samples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Sample, error) {
		var s Sample
		err := row.Scan(&s.Timestamp, &s.PID, &s.Value, &s.Unit)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan time series: %w", err)
	}
	return samples, nil
}

// AggregatedStats buckets a trip's samples by interval and PID.
func (q *TripDataQueries) AggregatedStats(ctx context.Context, tripID uuid.UUID, interval time.Duration, pids []string) ([]Bucket, error) {
	iv, err := intervalArg(interval)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.Query(ctx, `
		SELECT date_bin($2::interval, timestamp, TIMESTAMPTZ '2000-01-01') AS bucket,
		       pid, avg(value), min(value), max(value), count(value)
		FROM trip_data
		WHERE trip_id = $1
		  AND ($3::text[] IS NULL OR pid = ANY($3))
		GROUP BY bucket, pid
		ORDER BY bucket, pid`,
		tripID, iv, pidFilter(pids),
	)
	if err != nil {
		return nil, fmt.Errorf("query aggregated stats: %w", err)
	}
	buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Bucket, error) {
		var b Bucket
		err := row.Scan(&b.Start, &b.PID, &b.Avg, &b.Min, &b.Max, &b.Count)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan aggregated stats: %w", err)
	}
	return buckets, nil
}

// Downsampled reduces one PID to a bucket per interval.
func (q *TripDataQueries) Downsampled(ctx context.Context, tripID uuid.UUID, pid string, interval time.Duration) ([]DownsampledBucket, error) {
	iv, err := intervalArg(interval)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.Query(ctx, `
		SELECT date_bin($3::interval, timestamp, TIMESTAMPTZ '2000-01-01') AS bucket,
		       pid,
		       (array_agg(value ORDER BY timestamp) FILTER (WHERE value IS NOT NULL))[1],
		       (array_agg(value ORDER BY timestamp DESC) FILTER (WHERE value IS NOT NULL))[1],
		       avg(value)
		FROM trip_data
		WHERE trip_id = $1 AND pid = $2
		GROUP BY bucket, pid
		ORDER BY bucket`,
		tripID, pid, iv,
	)
	if err != nil {
		return nil, fmt.Errorf("query downsampled: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DownsampledBucket, error) {
		var b DownsampledBucket
		err := row.Scan(&b.Start, &b.PID, &b.First, &b.Last, &b.Avg)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan downsampled: %w", err)
	}
	return out, nil
}

// DeleteTripData removes a trip's samples and keeps the trip row.
func (q *TripDataQueries) DeleteTripData(ctx context.Context, tripID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM trip_data WHERE trip_id = $1`, tripID)
	if err != nil {
		return 0, fmt.Errorf("delete trip data: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StorageStats reports point counts for one trip, or for every trip when
// tripID is uuid.Nil. TableBytes always covers the whole table.
func (q *TripDataQueries) StorageStats(ctx context.Context, tripID uuid.UUID) (StorageStats, error) {
	var filter *uuid.UUID
	if tripID != uuid.Nil {
		filter = &tripID
	}

	var st StorageStats
	err := q.db.QueryRow(ctx, `
		SELECT count(*), count(DISTINCT pid), min(timestamp), max(timestamp),
		       pg_total_relation_size('trip_data')
		FROM trip_data
		WHERE $1::uuid IS NULL OR trip_id = $1`,
		filter,
	).Scan(&st.Points, &st.PIDs, &st.FirstPoint, &st.LastPoint, &st.TableBytes)
	if err != nil {
		return StorageStats{}, fmt.Errorf("storage stats: %w", err)
	}
	return st, nil
}
