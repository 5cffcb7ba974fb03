package catalog

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

//go:embed defaults.toml
var defaultsTOML []byte

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the embedded catalog. It is parsed once per process.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = parse(defaultsTOML)
		if defaultErr != nil {
			defaultErr = fmt.Errorf("embedded catalog: %w", defaultErr)
		}
	})
	return defaultCatalog, defaultErr
}

// MustDefault is like Default but panics on error.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// document is the on-disk TOML layout. A variant's priority is its
// position in the variants list.
type document struct {
	Source  string      `toml:"source,omitempty"`
	Columns []columnDoc `toml:"columns"`
}

type columnDoc struct {
	Name        string         `toml:"name"`
	Description string         `toml:"description,omitempty"`
	Category    string         `toml:"category"`
	DataType    string         `toml:"data_type"`
	Unit        string         `toml:"unit,omitempty"`
	Min         *float64       `toml:"min,omitempty"`
	Max         *float64       `toml:"max,omitempty"`
	ErrorValues []float64      `toml:"error_values,omitempty"`
	Inactive    bool           `toml:"inactive,omitempty"`
	Variants    []string       `toml:"variants"`
	Criteria    map[string]any `toml:"criteria,omitempty"`
}

// LoadTOML reads a catalog document from r.
func LoadTOML(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return parse(data)
}

// LoadFile reads a catalog document from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func parse(data []byte) (*Catalog, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	source := doc.Source
	if source == "" {
		source = DefaultSource
	}

	columns := make([]Column, 0, len(doc.Columns))
	for _, cd := range doc.Columns {
		col := Column{
			Name:        cd.Name,
			Description: cd.Description,
			Category:    Category(cd.Category),
			DataType:    DataType(cd.DataType),
			Unit:        cd.Unit,
			Min:         cd.Min,
			Max:         cd.Max,
			ErrorValues: cd.ErrorValues,
			Criteria:    cd.Criteria,
			Active:      !cd.Inactive,
		}
		if col.DataType == "" {
			col.DataType = TypeFloat
		}
		for i, name := range cd.Variants {
			col.Variants = append(col.Variants, Variant{
				Name:     name,
				Priority: i,
				Source:   source,
				Active:   true,
			})
		}
		columns = append(columns, col)
	}

	return New(columns)
}

// EncodeTOML writes the catalog in the same layout LoadTOML reads.
// Inactive variants are omitted.
func EncodeTOML(w io.Writer, c *Catalog) error {
	doc := document{Source: DefaultSource}
	for _, col := range c.columns {
		cd := columnDoc{
			Name:        col.Name,
			Description: col.Description,
			Category:    string(col.Category),
			DataType:    string(col.DataType),
			Unit:        col.Unit,
			Min:         col.Min,
			Max:         col.Max,
			ErrorValues: col.ErrorValues,
			Inactive:    !col.Active,
			Criteria:    col.Criteria,
		}
		for _, v := range col.Variants {
			if v.Active {
				cd.Variants = append(cd.Variants, v.Name)
			}
		}
		doc.Columns = append(doc.Columns, cd)
	}

	enc := toml.NewEncoder(w)
	enc.SetIndentTables(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return nil
}

// Criterion returns a numeric validation criterion of a column.
func (c Column) Criterion(key string) (float64, bool) {
	v, ok := c.Criteria[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Flag returns a boolean validation criterion of a column.
func (c Column) Flag(key string) bool {
	b, _ := c.Criteria[key].(bool)
	return b
}
