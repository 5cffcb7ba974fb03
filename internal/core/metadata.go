package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// CSVMetadata is a cheap, mapping-free summary of a log file.
type CSVMetadata struct {
	ColumnCount     int        `json:"column_count"`
	DataRowCount    int        `json:"data_row_count"`
	Columns         []string   `json:"columns"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationSeconds *int64     `json:"duration_seconds"`
	FileSize        int64      `json:"file_size"`
}

// AnalyzeMetadata reads a CSV file once. Torque Pro writes GPS time in the
// first column, so start and end come from the first and last data rows'
// first cell. Unparseable times leave those fields nil.
func AnalyzeMetadata(ctx context.Context, path string, times *TimestampParser) (*CSVMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	if times == nil {
		times = NewTimestampParser("", "", nil)
	}

	rr := NewRecordReader(f, fi.Size())
	header, err := rr.Header()
	if err != nil {
		return nil, err
	}

	md := &CSVMetadata{
		ColumnCount: len(header),
		Columns:     header,
		FileSize:    fi.Size(),
	}

	var first, last string
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		md.DataRowCount++
		if md.DataRowCount%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if md.DataRowCount == 1 {
			first = cellAt(rec, 0)
		}
		last = cellAt(rec, 0)
	}

	if md.DataRowCount == 0 {
		return md, nil
	}
	start, okStart := metadataTime(times, first)
	end, okEnd := metadataTime(times, last)
	if okStart {
		md.StartTime = &start
	}
	if okEnd {
		md.EndTime = &end
	}
	if okStart && okEnd {
		d := end.Unix() - start.Unix()
		md.DurationSeconds = &d
	}
	return md, nil
}

func metadataTime(times *TimestampParser, raw string) (time.Time, bool) {
	if t, ok := times.GPS(raw); ok {
		return t, true
	}
	return times.Device(raw)
}
