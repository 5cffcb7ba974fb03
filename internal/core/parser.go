package core

// parser.go drives one log file through the trip lifecycle:
//
//	header -> mapping -> validation -> pending -> processing
//	  -> rows (clean, timestamp, batch, analyze, sample)
//	  -> parsed -> analyzed
//
// Any failure once the trip exists moves it to error.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/obd2ingest/internal/diagnostic"
	"github.com/JonMunkholm/obd2ingest/internal/logging"
	"github.com/JonMunkholm/obd2ingest/internal/mapper"
)

const (
	DefaultBatchSize     = 1000
	DefaultProgressEvery = 1000

	// Rows between cancellation checks.
	cancelCheckRows = 100
)

// ParserConfig tunes a Parser. Zero values take the defaults.
type ParserConfig struct {
	BatchSize     int
	SampleRows    int
	ProgressEvery int
	Sentinel      float64
	SentinelScope SentinelScope
	DeviceLayout  string
	GPSLayout     string
	Location      *time.Location
}

// ColumnMeta supplies per-column reference data.
type ColumnMeta interface {
	ErrorValueSource
	Unit(column string) string
}

// Parser streams log files into a BulkLoader and records the trip through
// a TripSink. A Parser holds no per-file state and may be shared.
type Parser struct {
	mapper    *mapper.Mapper
	meta      ColumnMeta
	validator *diagnostic.Validator
	loader    BulkLoader
	trips     TripSink
	cleaner   *ValueCleaner
	times     *TimestampParser
	cfg       ParserConfig
}

// NewParser wires a parser. meta may be nil, in which case no units or
// per-column error values are applied. A nil validator uses the default
// policy.
func NewParser(m *mapper.Mapper, meta ColumnMeta, v *diagnostic.Validator, loader BulkLoader, trips TripSink, cfg ParserConfig) *Parser {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = DefaultSampleRows
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if v == nil {
		v = diagnostic.NewValidator(diagnostic.DefaultPolicy(), meta)
	}

	return &Parser{
		mapper:    m,
		meta:      meta,
		validator: v,
		loader:    loader,
		trips:     trips,
		cleaner:   NewValueCleaner(cfg.Sentinel, cfg.SentinelScope, meta),
		times:     NewTimestampParser(cfg.DeviceLayout, cfg.GPSLayout, cfg.Location),
		cfg:       cfg,
	}
}

// Analysis is stored on the trip as analysis_results.
type Analysis struct {
	CatalystEfficiency *float64            `json:"catalyst_efficiency,omitempty"`
	Diagnostics        diagnostic.Report   `json:"diagnostics"`
	Columns            ColumnProfile       `json:"columns"`
	Mapping            mapper.MappingStats `json:"mapping"`
	AvailableColumns   []string            `json:"available_columns"`
	SkippedRows        int                 `json:"skipped_rows"`
}

// Source names a file to ingest.
type Source struct {
	Path      string
	Name      string // display name, defaults to the base of Path
	Checksum  string // computed when empty
	Temporary bool   // remove Path on every exit path
}

// ParseFile ingests a CSV or ZIP file from disk. Archives are extracted to a
// private directory that is always removed.
func (p *Parser) ParseFile(ctx context.Context, src Source, progress ProgressFunc) (*ParseResult, error) {
	defer removeTemporary(ctx, src)

	name := src.Name
	if name == "" {
		name = filepath.Base(src.Path)
	}

	sum := src.Checksum
	if sum == "" {
		var err error
		if sum, err = FileChecksum(src.Path); err != nil {
			return nil, err
		}
	}

	path := src.Path
	if IsArchive(path) {
		notify(progress, IngestProgress{FileName: name, Phase: PhaseExtracting})
		csvPath, cleanup, err := ExtractArchive(path, "")
		if err != nil {
			return nil, err
		}
		defer cleanup()
		path = csvPath
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}

	return p.Parse(ctx, f, size, TripInfo{FileName: name, Checksum: sum}, progress)
}

// column is a mapped, non-timestamp cell position.
type column struct {
	index int
	name  string
	unit  *string
}

// Parse ingests one CSV stream. size may be 0 if unknown.
//
// Header problems return a *HeaderError before any trip is created. Once the
// trip exists, a failure moves it to error and the partial result is
// returned together with the error.
func (p *Parser) Parse(ctx context.Context, r io.Reader, size int64, info TripInfo, progress ProgressFunc) (*ParseResult, error) {
	started := time.Now()
	log := logging.WithFields(ctx, "file", info.FileName)

	rr := NewRecordReader(r, size)
	header, err := rr.Header()
	if err != nil {
		return nil, err
	}

	mapping := p.mapper.MapHeaders(header)
	stats := mapping.Stats()
	log.Info("column mapping complete",
		"total_columns", stats.TotalColumns,
		"recognized_columns", stats.MappedColumns,
		"unknown_columns", stats.UnmappedColumns,
		"duplicate_sources", stats.DuplicateSources,
	)

	if err := ValidateHeaders(mapping).Err(); err != nil {
		return nil, err
	}

	tripID, err := p.trips.Create(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}

	ctx = logging.WithTrip(ctx, tripID.String())
	t := &tripRun{
		p:        p,
		ctx:      ctx,
		log:      logging.WithFields(ctx, "file", info.FileName),
		id:       tripID,
		status:   TripPending,
		progress: progress,
		res: &ParseResult{
			TripID:   tripID,
			FileName: info.FileName,
			Checksum: info.Checksum,
			Status:   TripPending,
		},
	}
	defer func() { t.res.Duration = time.Since(started) }()

	if err := t.advance(TripProcessing); err != nil {
		return t.fail(err)
	}
	t.log.Info("ingest started")

	state, err := t.stream(rr, mapping)
	if err != nil {
		return t.fail(err)
	}
	if err := t.finishParse(state); err != nil {
		return t.fail(err)
	}
	if err := t.finishAnalysis(state, mapping, stats); err != nil {
		return t.fail(err)
	}

	t.log.Info("ingest complete",
		"total_rows", t.res.TotalRows,
		"skipped_rows", t.res.SkippedRows,
		"points", t.res.PointsWritten,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return t.res, nil
}

// tripRun is the mutable state of one Parse call after the trip exists.
type tripRun struct {
	p        *Parser
	ctx      context.Context
	log      *slog.Logger
	id       uuid.UUID
	status   TripStatus
	progress ProgressFunc
	res      *ParseResult
}

// streamState is what the row pass hands to the finalize steps.
type streamState struct {
	first, last time.Time
	analyzer    *diagnostic.Analyzer
	sampler     *ColumnSampler
}

func (t *tripRun) advance(next TripStatus) error {
	if !t.status.CanTransition(next) {
		return &TransitionError{From: t.status, To: next}
	}
	if err := t.p.trips.UpdateStatus(t.ctx, t.id, next); err != nil {
		return fmt.Errorf("update trip status to %s: %w", next, err)
	}
	t.status = next
	t.res.Status = next
	return nil
}

// fail records the error status even when the run's context is cancelled.
func (t *tripRun) fail(cause error) (*ParseResult, error) {
	if t.status.CanTransition(TripError) {
		if err := t.p.trips.UpdateStatus(context.WithoutCancel(t.ctx), t.id, TripError); err != nil {
			t.log.Error("failed to record trip error status", "error", err)
		} else {
			t.status = TripError
		}
	}
	t.res.Status = TripError
	t.log.Error("ingest failed", "error", cause, "rows", t.res.TotalRows)
	return t.res, cause
}

func (t *tripRun) report(phase IngestPhase, rr *RecordReader) {
	notify(t.progress, IngestProgress{
		TripID:        t.id,
		FileName:      t.res.FileName,
		Phase:         phase,
		Rows:          t.res.TotalRows,
		Skipped:       t.res.SkippedRows,
		PointsWritten: t.res.PointsWritten,
		BytesRead:     rr.BytesRead(),
		BytesTotal:    rr.Total(),
	})
}

func notify(fn ProgressFunc, p IngestProgress) {
	if fn != nil {
		fn(p)
	}
}

func cellAt(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}

func (t *tripRun) stream(rr *RecordReader, mapping mapper.Result) (*streamState, error) {
	p := t.p
	deviceIdx, gpsIdx := -1, -1
	var columns []column
	for i, name := range mapping.ColumnIndex() {
		switch name {
		case "":
		case ColumnTimestampDevice:
			deviceIdx = i
		case ColumnTimestampGPS:
			gpsIdx = i
		default:
			columns = append(columns, column{index: i, name: name, unit: p.unit(name)})
		}
	}

	state := &streamState{
		analyzer: diagnostic.NewAnalyzer(),
		sampler:  NewColumnSampler(mapping, p.cfg.SampleRows),
	}
	state.analyzer.StartSession()

	batch := make([]DataPoint, 0, p.cfg.BatchSize+len(columns))
	batches := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batches++
		n, err := p.loader.WriteBatch(t.ctx, t.id, batch)
		if err != nil {
			return &LoadError{TripID: t.id, Batch: batches, Points: len(batch), Err: err}
		}
		t.res.PointsWritten += n
		batch = batch[:0]
		return nil
	}

	cleaned := make([]*float64, len(columns))
	values := make(map[string]*float64, len(columns))

	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		t.res.TotalRows++
		if t.res.TotalRows%cancelCheckRows == 0 {
			if err := t.ctx.Err(); err != nil {
				return nil, fmt.Errorf("ingest cancelled after %d rows: %w", t.res.TotalRows, err)
			}
		}
		if t.res.TotalRows%p.cfg.ProgressEvery == 0 {
			t.report(PhaseReading, rr)
		}

		state.sampler.Add(rec)

		ts, ok := p.times.RowTime(cellAt(rec, deviceIdx), cellAt(rec, gpsIdx))
		if !ok {
			t.res.SkippedRows++
			t.log.Debug("row without timestamp", "line", rr.Line())
			continue
		}

		// The session span covers every timestamped row, including empty ones.
		if state.first.IsZero() {
			state.first = ts
		}
		state.last = ts

		present := 0
		for i, c := range columns {
			cleaned[i] = p.cleaner.Clean(c.name, cellAt(rec, c.index))
			if cleaned[i] != nil {
				present++
			}
		}
		if len(columns) > 0 && present == 0 {
			t.res.SkippedRows++
			t.log.Debug("row without values", "line", rr.Line())
			continue
		}

		clear(values)
		for i, c := range columns {
			batch = append(batch, DataPoint{
				TripID:    t.id,
				Timestamp: ts,
				PID:       c.name,
				Value:     cleaned[i],
				Unit:      c.unit,
			})
			if cleaned[i] != nil {
				values[c.name] = cleaned[i]
			}
		}
		state.analyzer.ProcessRow(values)

		if len(batch) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	if t.res.SkippedRows > 0 {
		t.log.Warn("rows skipped", "skipped_rows", t.res.SkippedRows, "total_rows", t.res.TotalRows)
	}
	t.report(PhaseAnalyzing, rr)
	return state, nil
}

func (t *tripRun) finishParse(state *streamState) error {
	count := int64(t.res.TotalRows)
	meta := TripMetadata{DataPointsCount: &count}

	if !state.first.IsZero() {
		first, last := state.first, state.last
		// Not clamped: a negative duration is reported as-is.
		duration := last.Unix() - first.Unix()
		meta.SessionDate = &first
		meta.DurationSeconds = &duration
		t.res.SessionStart = &first
		t.res.SessionEnd = &last
	}

	if err := t.p.trips.UpdateMetadata(t.ctx, t.id, meta); err != nil {
		return fmt.Errorf("update trip metadata: %w", err)
	}
	return t.advance(TripParsed)
}

func (t *tripRun) finishAnalysis(state *streamState, mapping mapper.Result, stats mapper.MappingStats) error {
	report := state.analyzer.FinalizeSession()

	analysis := &Analysis{
		CatalystEfficiency: report.Catalyst.EfficiencyRatio,
		Diagnostics:        report,
		Columns:            state.sampler.Profile(t.p.validator),
		Mapping:            stats,
		AvailableColumns:   mapping.Order,
		SkippedRows:        t.res.SkippedRows,
	}
	raw, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}

	meta := TripMetadata{
		AnalysisResults:    raw,
		CatalystEfficiency: report.Catalyst.EfficiencyRatio,
		AvgFuelTrimST:      report.FuelTrim.ShortTermAvg,
		AvgFuelTrimLT:      report.FuelTrim.LongTermAvg,
	}
	if err := t.p.trips.UpdateMetadata(t.ctx, t.id, meta); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	if err := t.advance(TripAnalyzed); err != nil {
		return err
	}

	t.res.Analysis = analysis
	t.log.Info("diagnostics complete",
		"catalyst", report.Catalyst.Status,
		"fuel_trim", report.FuelTrim.Status,
		"o2_sensors", report.O2Sensors.Status,
		"engine", report.Engine.Status,
	)
	return nil
}

func (p *Parser) unit(column string) *string {
	if p.meta == nil {
		return nil
	}
	if u := p.meta.Unit(column); u != "" {
		return &u
	}
	return nil
}
