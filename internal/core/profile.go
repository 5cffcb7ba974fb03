package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/obd2ingest/internal/mapper"
)

// FileProfile is an offline assessment of a log file. Nothing is stored.
type FileProfile struct {
	FileName string              `json:"file_name"`
	Header   HeaderValidation    `json:"header"`
	Mapping  mapper.MappingStats `json:"mapping"`
	Columns  ColumnProfile       `json:"columns"`
	Unmapped []string            `json:"unmapped"`
}

// Profile maps the header of a CSV or ZIP file, samples its first rows and
// grades column quality and diagnostic feasibility. It needs neither a
// BulkLoader nor a TripSink. An invalid header is reported in the profile
// rather than as an error, and no rows are sampled.
func (p *Parser) Profile(ctx context.Context, path string) (*FileProfile, error) {
	name := filepath.Base(path)
	if IsArchive(path) {
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

	rr := NewRecordReader(f, size)
	header, err := rr.Header()
	if err != nil {
		return nil, err
	}

	mapping := p.mapper.MapHeaders(header)
	prof := &FileProfile{
		FileName: name,
		Header:   ValidateHeaders(mapping),
		Mapping:  mapping.Stats(),
		Unmapped: mapping.Unmapped,
	}
	if !prof.Header.Valid {
		return prof, nil
	}

	sampler := NewColumnSampler(mapping, p.cfg.SampleRows)
	for sampler.Rows() < p.cfg.SampleRows {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		sampler.Add(rec)
		if sampler.Rows()%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	prof.Columns = sampler.Profile(p.validator)
	return prof, nil
}
