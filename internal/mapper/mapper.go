// Package mapper resolves CSV header cells to canonical column names.
//
// A Mapper is built once from a catalog.MappingSource and is read-only
// afterwards, so a single instance can be shared across concurrent ingests.
package mapper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
)

// UnknownPriority is assigned when a resolved header has no registered priority.
const UnknownPriority = 999

type target struct {
	canonical string
	priority  int
}

// Mapper holds the reverse index from lower-cased variant to canonical column.
type Mapper struct {
	reverse  map[string]target
	variants map[string][]string
	known    []string
}

// Entry is one header cell resolved to a canonical column.
type Entry struct {
	CSVColumn string `json:"csv_column"`
	Priority  int    `json:"priority"`
	Index     int    `json:"index"`
}

// Result is the outcome of mapping one header row.
type Result struct {
	Headers    []string           `json:"-"`
	Mapped     map[string]Entry   `json:"mapped"`
	Order      []string           `json:"-"` // canonical names in first-seen order
	Unmapped   []string           `json:"unmapped"`
	Duplicates map[string][]Entry `json:"duplicates"`
}

// MappingStats summarizes how much of a header row was recognized.
type MappingStats struct {
	TotalColumns     int     `json:"total_columns"`
	MappedColumns    int     `json:"mapped_columns"`
	UnmappedColumns  int     `json:"unmapped_columns"`
	DuplicateSources int     `json:"duplicate_sources"`
	MappingRate      float64 `json:"mapping_rate"`
}

// New builds a mapper from a set of mappings.
// A variant claimed by two canonical columns is a configuration error.
func New(m catalog.Mappings) (*Mapper, error) {
	mp := &Mapper{
		reverse:  make(map[string]target),
		variants: make(map[string][]string, len(m)),
		known:    m.Names(),
	}

	for _, name := range mp.known {
		vs := append([]catalog.VariantMapping(nil), m[name]...)
		sort.SliceStable(vs, func(i, j int) bool { return vs[i].Priority < vs[j].Priority })

		names := make([]string, 0, len(vs))
		for _, v := range vs {
			names = append(names, v.Variant)

			key := normalizeKey(v.Variant)
			if key == "" {
				continue
			}
			if existing, ok := mp.reverse[key]; ok {
				if existing.canonical != name {
					return nil, &catalog.ConfigError{
						Column:  name,
						Variant: v.Variant,
						Reason:  fmt.Sprintf("already claimed by column %q", existing.canonical),
					}
				}
				// Same column, different case: the better priority was seen first.
				continue
			}
			priority := v.Priority
			if priority < 0 {
				priority = UnknownPriority
			}
			mp.reverse[key] = target{canonical: name, priority: priority}
		}
		mp.variants[name] = names
	}

	return mp, nil
}

// NewFromSource loads the active mappings and builds a mapper.
func NewFromSource(ctx context.Context, src catalog.MappingSource) (*Mapper, error) {
	m, err := src.LoadAllActiveMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	return New(m)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Normalize resolves one header cell. Matching ignores case and surrounding whitespace.
func (m *Mapper) Normalize(header string) (string, bool) {
	t, ok := m.reverse[normalizeKey(header)]
	return t.canonical, ok
}

// MapHeaders resolves a header row.
//
// When several cells resolve to the same canonical column, all of them are
// listed in Duplicates and Mapped keeps the one with the lowest priority
// number. Ties keep the cell seen first.
func (m *Mapper) MapHeaders(headers []string) Result {
	res := Result{
		Headers:    headers,
		Mapped:     make(map[string]Entry),
		Duplicates: make(map[string][]Entry),
	}

	for i, raw := range headers {
		header := strings.TrimSpace(raw)

		t, ok := m.reverse[strings.ToLower(header)]
		if !ok {
			res.Unmapped = append(res.Unmapped, header)
			continue
		}

		entry := Entry{CSVColumn: header, Priority: t.priority, Index: i}

		current, seen := res.Mapped[t.canonical]
		if !seen {
			res.Mapped[t.canonical] = entry
			res.Order = append(res.Order, t.canonical)
			continue
		}

		if _, grouped := res.Duplicates[t.canonical]; !grouped {
			res.Duplicates[t.canonical] = []Entry{current}
		}
		res.Duplicates[t.canonical] = append(res.Duplicates[t.canonical], entry)

		if entry.Priority < current.Priority {
			res.Mapped[t.canonical] = entry
		}
	}

	return res
}

// ColumnIndex returns, for every cell position, the canonical column it
// feeds, or "" when the cell is unmapped or lost to a better duplicate.
func (r Result) ColumnIndex() []string {
	idx := make([]string, len(r.Headers))
	for name, e := range r.Mapped {
		if e.Index < len(idx) {
			idx[e.Index] = name
		}
	}
	return idx
}

// Has reports whether a canonical column was mapped.
func (r Result) Has(name string) bool {
	_, ok := r.Mapped[name]
	return ok
}

// AvailableColumns returns the canonical columns present in the header row,
// in first-seen order.
func (m *Mapper) AvailableColumns(headers []string) []string {
	return m.MapHeaders(headers).Order
}

// AllKnownColumns returns every canonical column the mapper can resolve to.
func (m *Mapper) AllKnownColumns() []string {
	return append([]string(nil), m.known...)
}

// Variants returns the registered spellings of a canonical column in
// priority order.
func (m *Mapper) Variants(canonical string) ([]string, bool) {
	vs, ok := m.variants[canonical]
	if !ok {
		return nil, false
	}
	return append([]string(nil), vs...), true
}

// Stats maps headers and summarizes the result.
func (m *Mapper) Stats(headers []string) MappingStats {
	return m.MapHeaders(headers).Stats()
}

// Stats summarizes a mapping result.
func (r Result) Stats() MappingStats {
	s := MappingStats{
		TotalColumns:     len(r.Headers),
		MappedColumns:    len(r.Mapped),
		UnmappedColumns:  len(r.Unmapped),
		DuplicateSources: len(r.Duplicates),
	}
	if s.TotalColumns > 0 {
		rate := float64(s.MappedColumns) / float64(s.TotalColumns) * 100
		s.MappingRate = math.Round(rate*100) / 100
	}
	return s
}
