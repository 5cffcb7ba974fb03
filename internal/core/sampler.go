package core

import (
	"strings"

	"github.com/JonMunkholm/obd2ingest/internal/diagnostic"
	"github.com/JonMunkholm/obd2ingest/internal/mapper"
)

// DefaultSampleRows bounds how many rows the sampler keeps per column.
const DefaultSampleRows = 2000

type sampledCell struct {
	column   string
	header   string
	priority int
	values   []string
}

// ColumnSampler keeps the first rows of every mapped cell, including cells
// that lost a duplicate contest, so column quality can be judged after the
// stream without retaining the file.
type ColumnSampler struct {
	limit   int
	rows    int
	cells   map[int]*sampledCell
	res     mapper.Result
	indexes []int
}

// NewColumnSampler prepares a sampler for one mapped header row.
func NewColumnSampler(res mapper.Result, limit int) *ColumnSampler {
	if limit <= 0 {
		limit = DefaultSampleRows
	}
	s := &ColumnSampler{
		limit: limit,
		cells: make(map[int]*sampledCell),
		res:   res,
	}
	track := func(column string, e mapper.Entry) {
		if _, ok := s.cells[e.Index]; ok {
			return
		}
		s.cells[e.Index] = &sampledCell{column: column, header: e.CSVColumn, priority: e.Priority}
		s.indexes = append(s.indexes, e.Index)
	}
	for _, name := range res.Order {
		track(name, res.Mapped[name])
		for _, e := range res.Duplicates[name] {
			track(name, e)
		}
	}
	return s
}

// Add records one data row. Rows past the limit are ignored.
func (s *ColumnSampler) Add(record []string) {
	if s.rows >= s.limit {
		return
	}
	s.rows++
	for _, i := range s.indexes {
		cell := ""
		if i < len(record) {
			// Clone so the sample does not pin the reader's line buffer.
			cell = strings.Clone(record[i])
		}
		c := s.cells[i]
		c.values = append(c.values, cell)
	}
}

// Rows returns how many rows were sampled.
func (s *ColumnSampler) Rows() int { return s.rows }

// ColumnProfile is the quality verdict for a file's columns.
type ColumnProfile struct {
	SampledRows int                                    `json:"sampled_rows"`
	Validations map[string]diagnostic.ValidationResult `json:"validations"`
	Selections  []diagnostic.Selection                 `json:"duplicate_selection,omitempty"`
	Feasibility []diagnostic.Feasibility               `json:"feasibility"`
}

// Profile validates each ingested column, resolves every duplicate group
// and grades which diagnostics the file supports.
func (s *ColumnSampler) Profile(v *diagnostic.Validator) ColumnProfile {
	p := ColumnProfile{
		SampledRows: s.rows,
		Validations: make(map[string]diagnostic.ValidationResult, len(s.res.Order)),
	}

	for _, name := range s.res.Order {
		active := s.cells[s.res.Mapped[name].Index]
		p.Validations[name] = v.Validate(active.values, name)

		group := s.res.Duplicates[name]
		if len(group) < 2 {
			continue
		}
		candidates := make([]diagnostic.Candidate, 0, len(group))
		for _, e := range group {
			c := s.cells[e.Index]
			candidates = append(candidates, diagnostic.Candidate{
				Column:    name,
				CSVColumn: c.header,
				Priority:  c.priority,
				Values:    c.values,
			})
		}
		if sel, ok := v.SelectBest(candidates, true); ok {
			p.Selections = append(p.Selections, sel)
		}
	}

	p.Feasibility = diagnostic.DetectAvailable(diagnostic.ValidSet(p.Validations))
	return p
}
