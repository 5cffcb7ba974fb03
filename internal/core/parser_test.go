package core

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
	"github.com/JonMunkholm/obd2ingest/internal/diagnostic"
	"github.com/JonMunkholm/obd2ingest/internal/mapper"
)

// fakeLoader keeps a copy of every batch. A non-zero failAt makes that
// batch (1-based) fail.
type fakeLoader struct {
	mu      sync.Mutex
	batches [][]DataPoint
	failAt  int
	onWrite func(batch int)
}

func (l *fakeLoader) WriteBatch(_ context.Context, _ uuid.UUID, points []DataPoint) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.batches) + 1
	if l.onWrite != nil {
		l.onWrite(n)
	}
	if l.failAt == n {
		return 0, errors.New("connection reset by peer")
	}
	l.batches = append(l.batches, append([]DataPoint(nil), points...))
	return len(points), nil
}

func (l *fakeLoader) points() []DataPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []DataPoint
	for _, b := range l.batches {
		all = append(all, b...)
	}
	return all
}

type fakeSink struct {
	mu       sync.Mutex
	created  []TripInfo
	id       uuid.UUID
	statuses []TripStatus
	meta     []TripMetadata
}

func (s *fakeSink) Create(_ context.Context, info TripInfo) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, info)
	s.id = uuid.New()
	s.statuses = append(s.statuses, TripPending)
	return s.id, nil
}

func (s *fakeSink) UpdateStatus(_ context.Context, _ uuid.UUID, status TripStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeSink) UpdateMetadata(_ context.Context, _ uuid.UUID, meta TripMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = append(s.meta, meta)
	return nil
}

// merged folds the metadata updates the way a store would.
func (s *fakeSink) merged() TripMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out TripMetadata
	for _, m := range s.meta {
		if m.SessionDate != nil {
			out.SessionDate = m.SessionDate
		}
		if m.DurationSeconds != nil {
			out.DurationSeconds = m.DurationSeconds
		}
		if m.DataPointsCount != nil {
			out.DataPointsCount = m.DataPointsCount
		}
		if m.CatalystEfficiency != nil {
			out.CatalystEfficiency = m.CatalystEfficiency
		}
		if m.AvgFuelTrimST != nil {
			out.AvgFuelTrimST = m.AvgFuelTrimST
		}
		if m.AvgFuelTrimLT != nil {
			out.AvgFuelTrimLT = m.AvgFuelTrimLT
		}
		if m.AnalysisResults != nil {
			out.AnalysisResults = m.AnalysisResults
		}
	}
	return out
}

var logStart = time.Date(2024, 10, 24, 10, 30, 0, 0, time.UTC)

func deviceTime(i int) string {
	return logStart.Add(time.Duration(i) * time.Second).Format("02-Jan.-2006 15:04:05.000")
}

func gpsTime(i int) string {
	return logStart.Add(time.Duration(i) * time.Second).Format(DefaultGPSLayout)
}

// torqueLog renders a CSV with the given header and one line per row.
func torqueLog(header string, rows int, row func(i int) string) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	for i := range rows {
		b.WriteString(row(i))
		b.WriteByte('\n')
	}
	return b.String()
}

func newTestParser(t testing.TB, loader BulkLoader, sink TripSink, cfg ParserConfig) *Parser {
	t.Helper()
	cat := catalog.MustDefault()
	m, err := mapper.NewFromSource(context.Background(), cat)
	require.NoError(t, err)
	return NewParser(m, cat, nil, loader, sink, cfg)
}

const catalystHeader = "GPS Time,Device Time,Engine RPM(rpm),O2 Bank 1 Sensor 1 Voltage(V),O2 Bank 1 Sensor 2 Voltage(V)"

func catalystRow(i int) string {
	up, down := "0.2", "0.45"
	if i%2 == 1 {
		up, down = "0.8", "0.47"
	}
	return fmt.Sprintf("%s,%s,%d,%s,%s", gpsTime(i), deviceTime(i), 800+i, up, down)
}

func TestParseHealthyCatalyst(t *testing.T) {
	loader := &fakeLoader{}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{BatchSize: 100})

	csv := torqueLog(catalystHeader, 100, catalystRow)
	var phases []IngestPhase
	res, err := p.Parse(context.Background(), strings.NewReader(csv), int64(len(csv)),
		TripInfo{FileName: "trackLog-2024-Oct-24.csv", Checksum: "abc"},
		func(pr IngestProgress) { phases = append(phases, pr.Phase) })
	require.NoError(t, err)

	assert.Equal(t, TripAnalyzed, res.Status)
	assert.Equal(t, 100, res.TotalRows)
	assert.Zero(t, res.SkippedRows)
	assert.Equal(t, 300, res.PointsWritten)
	assert.Len(t, loader.points(), 300)
	assert.Len(t, loader.batches, 3, "flushes at 102, 204 and the 96-point tail")
	assert.Contains(t, phases, PhaseAnalyzing)

	assert.Equal(t, []TripStatus{TripPending, TripProcessing, TripParsed, TripAnalyzed}, sink.statuses)
	require.Len(t, sink.created, 1)
	assert.Equal(t, "abc", sink.created[0].Checksum)

	meta := sink.merged()
	require.NotNil(t, meta.DataPointsCount)
	assert.EqualValues(t, 100, *meta.DataPointsCount)
	require.NotNil(t, meta.DurationSeconds)
	assert.EqualValues(t, 99, *meta.DurationSeconds)
	require.NotNil(t, meta.SessionDate)
	assert.True(t, meta.SessionDate.Equal(logStart))

	require.NotNil(t, res.Analysis)
	cat := res.Analysis.Diagnostics.Catalyst
	assert.Equal(t, diagnostic.StatusExcellent, cat.Status)
	require.NotNil(t, cat.Score)
	assert.Equal(t, 100, *cat.Score)
	require.NotNil(t, meta.CatalystEfficiency)
	assert.InDelta(t, 30, *meta.CatalystEfficiency, 0.01)

	var stored map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(meta.AnalysisResults, &stored))
	assert.Contains(t, stored, "diagnostics")
	assert.Contains(t, stored, "columns")
	assert.Contains(t, stored, "catalyst_efficiency")

	for _, pt := range loader.points()[:3] {
		assert.True(t, pt.Timestamp.Equal(logStart), "first row keyed by device time")
	}
}

func TestParseFlatDownstreamCatalyst(t *testing.T) {
	loader := &fakeLoader{}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{})

	header := "Device Time,Engine RPM(rpm),O2 Volts Bank 1 sensor 1(V),O2 Volts Bank 1 sensor 2(V)"
	csv := torqueLog(header, 100, func(i int) string {
		up := "0.2"
		if i%2 == 1 {
			up = "0.8"
		}
		return fmt.Sprintf("%s,2000,%s,0.45", deviceTime(i), up)
	})

	res, err := p.Parse(context.Background(), strings.NewReader(csv), int64(len(csv)), TripInfo{FileName: "flat.csv"}, nil)
	require.NoError(t, err)

	assert.Equal(t, TripAnalyzed, res.Status)
	assert.Equal(t, 300, res.PointsWritten)
	assert.Equal(t, TripAnalyzed, sink.statuses[len(sink.statuses)-1])

	cat := res.Analysis.Diagnostics.Catalyst
	assert.Equal(t, diagnostic.StatusExcellent, cat.Status)
	require.NotNil(t, cat.Score)
	assert.Equal(t, 100, *cat.Score)
}

func TestParseSessionSpanIncludesEmptyRows(t *testing.T) {
	sink := &fakeSink{}
	p := newTestParser(t, &fakeLoader{}, sink, ParserConfig{})

	csv := torqueLog("Device Time,Engine RPM(rpm),Speed (OBD)(km/h)", 10, func(i int) string {
		if i == 0 || i == 9 {
			return deviceTime(i) + ",-,-"
		}
		return fmt.Sprintf("%s,%d,20", deviceTime(i), 800+i)
	})

	res, err := p.Parse(context.Background(), strings.NewReader(csv), 0, TripInfo{FileName: "warmup.csv"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SkippedRows)
	assert.Equal(t, 16, res.PointsWritten)

	meta := sink.merged()
	require.NotNil(t, meta.DurationSeconds)
	assert.EqualValues(t, 9, *meta.DurationSeconds)
	require.NotNil(t, meta.SessionDate)
	assert.True(t, meta.SessionDate.Equal(logStart))
}

func TestParseDuplicateRPMKeepsHighestPriority(t *testing.T) {
	loader := &fakeLoader{}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{})

	header := "Device Time,RPM,Engine RPM(rpm),Speed (OBD)(km/h)"
	csv := torqueLog(header, 20, func(i int) string {
		return fmt.Sprintf("%s,%d,%d,%d", deviceTime(i), 1005+i, 1000+i, 40)
	})

	res, err := p.Parse(context.Background(), strings.NewReader(csv), 0, TripInfo{FileName: "dup.csv"}, nil)
	require.NoError(t, err)

	var rpm []float64
	for _, pt := range loader.points() {
		if pt.PID == "engine_rpm" {
			require.NotNil(t, pt.Value)
			rpm = append(rpm, *pt.Value)
		}
	}
	require.Len(t, rpm, 20)
	assert.Equal(t, 1000.0, rpm[0], "Engine RPM(rpm) outranks RPM")

	assert.Equal(t, 1, res.Analysis.Mapping.DuplicateSources)
	require.Len(t, res.Analysis.Columns.Selections, 1)
	assert.Len(t, res.Analysis.Columns.Selections[0].Candidates, 2)
}

func TestParseRejectsLogWithoutTimestamp(t *testing.T) {
	loader := &fakeLoader{}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{})

	csv := torqueLog("Engine RPM(rpm),Speed (OBD)(km/h),Engine Load(%)", 5, func(i int) string {
		return "800,40,22"
	})

	res, err := p.Parse(context.Background(), strings.NewReader(csv), 0, TripInfo{FileName: "nots.csv"}, nil)
	require.Error(t, err)
	assert.Nil(t, res)

	var herr *HeaderError
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, err.Error(), "timestamp")
	assert.Empty(t, sink.created)
	assert.Empty(t, loader.batches)
}

func TestParseRejectsNarrowHeader(t *testing.T) {
	sink := &fakeSink{}
	p := newTestParser(t, &fakeLoader{}, sink, ParserConfig{})

	_, err := p.Parse(context.Background(), strings.NewReader("Device Time,RPM\nx,1\n"), 0, TripInfo{}, nil)
	var herr *HeaderError
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, err.Error(), "minimum 3 columns")
	assert.Empty(t, sink.created)
}

func TestParseSentinelBecomesNull(t *testing.T) {
	loader := &fakeLoader{}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{})

	header := "Device Time,Engine RPM(rpm),Speed (OBD)(km/h)"
	csv := torqueLog(header, 12, func(i int) string {
		rpm := "850"
		if i%4 == 0 {
			rpm = "51199"
		}
		return fmt.Sprintf("%s,%s,50", deviceTime(i), rpm)
	})

	res, err := p.Parse(context.Background(), strings.NewReader(csv), 0, TripInfo{FileName: "sentinel.csv"}, nil)
	require.NoError(t, err)

	var nulls int
	for _, pt := range loader.points() {
		if pt.PID == "engine_rpm" && pt.Value == nil {
			nulls++
		}
	}
	assert.Equal(t, 3, nulls)
	assert.Equal(t, 24, res.PointsWritten, "null cells still produce points")

	v := res.Analysis.Columns.Validations["engine_rpm"]
	assert.GreaterOrEqual(t, v.Stats.ErrorValueCount, 1)
	assert.Equal(t, 9, v.Stats.ValidCount)
}

func TestParseSkipsUnusableRows(t *testing.T) {
	loader := &fakeLoader{}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{})

	csv := strings.Join([]string{
		"Device Time,Engine RPM(rpm),Speed (OBD)(km/h)",
		deviceTime(0) + ",800,10",
		"not a time,810,11",
		deviceTime(2) + ",-,",
		deviceTime(3) + ",830,13",
		"",
	}, "\n")

	res, err := p.Parse(context.Background(), strings.NewReader(csv), 0, TripInfo{FileName: "gaps.csv"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, res.TotalRows)
	assert.Equal(t, 2, res.SkippedRows)
	assert.Equal(t, 4, res.PointsWritten)
	assert.Equal(t, 2, res.Analysis.SkippedRows)

	meta := sink.merged()
	require.NotNil(t, meta.DataPointsCount)
	assert.EqualValues(t, 4, *meta.DataPointsCount, "count covers every data row")
	assert.EqualValues(t, 3, *meta.DurationSeconds)
}

func TestParseReportsNegativeDuration(t *testing.T) {
	sink := &fakeSink{}
	p := newTestParser(t, &fakeLoader{}, sink, ParserConfig{})

	csv := torqueLog("Device Time,Engine RPM(rpm),Speed (OBD)(km/h)", 3, func(i int) string {
		return fmt.Sprintf("%s,800,10", deviceTime(10-i*5))
	})

	_, err := p.Parse(context.Background(), strings.NewReader(csv), 0, TripInfo{FileName: "backwards.csv"}, nil)
	require.NoError(t, err)

	meta := sink.merged()
	require.NotNil(t, meta.DurationSeconds)
	assert.EqualValues(t, -10, *meta.DurationSeconds)
}

func TestParseLoaderFailureMarksTripError(t *testing.T) {
	loader := &fakeLoader{failAt: 2}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{BatchSize: 30})

	csv := torqueLog(catalystHeader, 40, catalystRow)
	res, err := p.Parse(context.Background(), strings.NewReader(csv), 0, TripInfo{FileName: "fail.csv"}, nil)
	require.Error(t, err)

	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 2, lerr.Batch)
	assert.Equal(t, "LOAD001", MapError(err).Code)

	require.NotNil(t, res)
	assert.Equal(t, TripError, res.Status)
	assert.Equal(t, 30, res.PointsWritten, "first batch stays written")
	assert.Equal(t, TripError, sink.statuses[len(sink.statuses)-1])
	assert.NotContains(t, sink.statuses, TripParsed)
}

func TestParseCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loader := &fakeLoader{onWrite: func(int) { cancel() }}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{BatchSize: 30})

	csv := torqueLog(catalystHeader, 500, catalystRow)
	res, err := p.Parse(ctx, strings.NewReader(csv), 0, TripInfo{FileName: "cancel.csv"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "ingest cancelled after 100 rows")

	require.NotNil(t, res)
	assert.Equal(t, TripError, res.Status)
	assert.Equal(t, TripError, sink.statuses[len(sink.statuses)-1])
}

func TestParseFileExtractsArchiveAndRemovesTemporary(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "upload-123.zip")

	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("notes.csv")
	require.NoError(t, err)
	_, _ = w.Write([]byte("a,b,c\n"))
	w, err = zw.Create("trackLog-2024-Oct-24_10-30-00.csv")
	require.NoError(t, err)
	_, _ = w.Write([]byte(torqueLog(catalystHeader, 20, catalystRow)))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	want, err := FileChecksum(archive)
	require.NoError(t, err)

	loader := &fakeLoader{}
	sink := &fakeSink{}
	p := newTestParser(t, loader, sink, ParserConfig{})

	res, err := p.ParseFile(context.Background(), Source{Path: archive, Name: "drive.zip", Temporary: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, TripAnalyzed, res.Status)
	assert.Equal(t, 20, res.TotalRows)
	assert.Equal(t, "drive.zip", res.FileName)
	assert.Equal(t, want, res.Checksum)

	_, err = os.Stat(archive)
	assert.True(t, os.IsNotExist(err), "temporary upload removed")
}

func TestParseFileKeepsNonTemporarySource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackLog.csv")
	require.NoError(t, os.WriteFile(path, []byte(torqueLog(catalystHeader, 5, catalystRow)), 0o644))

	p := newTestParser(t, &fakeLoader{}, &fakeSink{}, ParserConfig{})
	res, err := p.ParseFile(context.Background(), Source{Path: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, "trackLog.csv", res.FileName)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestTripStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TripStatus
		want     bool
	}{
		{TripPending, TripProcessing, true},
		{TripPending, TripParsed, false},
		{TripProcessing, TripParsed, true},
		{TripProcessing, TripAnalyzed, false},
		{TripParsed, TripAnalyzed, true},
		{TripParsed, TripError, true},
		{TripAnalyzed, TripError, false},
		{TripError, TripProcessing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, TripAnalyzed.Terminal())
	assert.True(t, TripError.Terminal())
	assert.False(t, TripParsed.Terminal())
}
