package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/mapper"
)

// testPool connects to OBD2_TEST_DATABASE_URL or skips. The database is
// migrated but not cleaned, so tests only touch rows they create.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("OBD2_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("OBD2_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := Connect(ctx, PoolOptions{URL: url, MaxConns: 4, ConnectTimeout: 10 * time.Second, Migrate: true})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func f64(v float64) *float64 { return &v }

func TestIntegration_TripLifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	// Migrate is idempotent.
	require.NoError(t, Migrate(ctx, pool))

	trips := NewTripStore(pool)
	checksum := uuid.NewString()[:16]
	id, err := trips.Create(ctx, core.TripInfo{FileName: "trackLog.csv", Checksum: checksum})
	require.NoError(t, err)
	t.Cleanup(func() { _ = trips.Delete(context.Background(), id) })

	require.NoError(t, trips.UpdateStatus(ctx, id, core.TripProcessing))

	loader := NewDataPointLoader(pool)
	start := time.Date(2024, 10, 24, 10, 30, 0, 0, time.UTC)
	rpm := "rpm"
	var points []core.DataPoint
	for i := 0; i < 10; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		points = append(points,
			core.DataPoint{Timestamp: ts, PID: "rpm", Value: f64(800 + float64(i)), Unit: &rpm},
			core.DataPoint{Timestamp: ts, PID: "speed", Value: nil},
		)
	}
	n, err := loader.WriteBatch(ctx, id, points)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	dur, count := int64(9), int64(20)
	require.NoError(t, trips.UpdateMetadata(ctx, id, core.TripMetadata{
		SessionDate:        &start,
		DurationSeconds:    &dur,
		DataPointsCount:    &count,
		CatalystEfficiency: f64(30),
		AnalysisResults:    []byte(`{"catalyst":{"status":"excellent"}}`),
	}))
	// A second partial update keeps earlier fields.
	require.NoError(t, trips.UpdateMetadata(ctx, id, core.TripMetadata{AvgFuelTrimST: f64(1.5)}))
	require.NoError(t, trips.UpdateStatus(ctx, id, core.TripAnalyzed))

	got, err := trips.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.TripAnalyzed, got.Status)
	assert.Equal(t, int64(9), got.DurationSeconds)
	assert.Equal(t, int64(20), got.DataPointsCount)
	require.NotNil(t, got.CatalystEfficiency)
	assert.Equal(t, 30.0, *got.CatalystEfficiency)
	require.NotNil(t, got.AvgFuelTrimST)
	assert.JSONEq(t, `{"catalyst":{"status":"excellent"}}`, string(got.AnalysisResults))

	found, err := trips.FindByChecksum(ctx, checksum)
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)

	q := NewTripDataQueries(pool)
	series, err := q.TimeSeries(ctx, id, []string{"rpm"}, TimeRange{Start: start.Add(5 * time.Second)})
	require.NoError(t, err)
	require.Len(t, series, 5)
	assert.Equal(t, 805.0, *series[0].Value)

	buckets, err := q.AggregatedStats(ctx, id, 5*time.Second, nil)
	require.NoError(t, err)
	require.Len(t, buckets, 4)
	for _, b := range buckets {
		if b.PID == "speed" {
			assert.Zero(t, b.Count)
			assert.Nil(t, b.Avg)
		}
	}

	down, err := q.Downsampled(ctx, id, "rpm", 5*time.Second)
	require.NoError(t, err)
	require.Len(t, down, 2)
	assert.Equal(t, 800.0, *down[0].First)
	assert.Equal(t, 804.0, *down[0].Last)

	st, err := q.StorageStats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.Points)
	assert.Equal(t, int64(2), st.PIDs)
	assert.Positive(t, st.TableBytes)

	deleted, err := q.DeleteTripData(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(20), deleted)

	require.NoError(t, trips.Delete(ctx, id))
	_, err = trips.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, trips.UpdateStatus(ctx, id, core.TripError), ErrNotFound)
}

func TestIntegration_CatalogSeedAndLoad(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	store := NewCatalogStore(pool)
	def := catalog.MustDefault()

	res, err := store.Seed(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, def.Len(), res.Columns)
	assert.Equal(t, def.VariantCount(), res.Variants)

	// Seeding twice replaces rather than duplicates.
	_, err = store.Seed(ctx, def)
	require.NoError(t, err)

	loaded, err := store.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, def.Names(), loaded.Names())

	mappings, err := store.LoadAllActiveMappings(ctx)
	require.NoError(t, err)
	want, err := def.LoadAllActiveMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Names(), mappings.Names())

	m, err := mapper.NewFromSource(ctx, store)
	require.NoError(t, err)
	result := m.MapHeaders([]string{"Device Time", "Engine RPM(rpm)"})
	assert.Equal(t, 2, result.Stats().MappedColumns)
}
