// Package catalog holds the canonical OBD2 column definitions and the CSV
// header variants that resolve to them.
//
// A Catalog is immutable once built. The embedded defaults cover the Torque
// Pro export family; alternative catalogs can be loaded from TOML or from the
// database through a MappingSource.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Category groups canonical columns by subsystem.
type Category string

const (
	CategoryTemporal      Category = "temporal"
	CategoryGPS           Category = "gps"
	CategoryAccelerometer Category = "accelerometer"
	CategoryLambda        Category = "lambda"
	CategoryFuel          Category = "fuel"
	CategoryPrius         Category = "prius"
	CategoryTemperature   Category = "temperature"
	CategoryEngine        Category = "engine"
	CategorySpeed         Category = "speed"
	CategoryLoad          Category = "load"
)

// DataType is the storage type of a canonical column.
type DataType string

const (
	TypeFloat    DataType = "float"
	TypeInt      DataType = "int"
	TypeString   DataType = "string"
	TypeDatetime DataType = "datetime"
)

// DefaultSource tags variants that do not name their origin.
const DefaultSource = "torque_pro"

// Variant is one CSV header spelling of a canonical column.
type Variant struct {
	Name     string // Header text as exported by the logging app
	Priority int    // Lower wins when several variants of a column appear in one file
	Source   string // Logging app that produces this spelling
	Active   bool
}

// Column is a canonical telemetry column.
type Column struct {
	Name        string
	Description string
	Category    Category
	DataType    DataType
	Unit        string   // Empty when the column is unitless
	Min         *float64 // Plausible lower bound, nil if unbounded
	Max         *float64 // Plausible upper bound, nil if unbounded
	ErrorValues []float64
	Criteria    map[string]any
	Active      bool
	Variants    []Variant
}

// IsTemporal reports whether the column carries timestamps rather than readings.
func (c Column) IsTemporal() bool {
	return c.Category == CategoryTemporal || c.DataType == TypeDatetime
}

// VariantMapping is the flattened form of a Variant used to build a mapper.
type VariantMapping struct {
	Variant  string
	Priority int
	Source   string
}

// Mappings lists the active variants of every active column, keyed by
// canonical name. Each slice is ordered by ascending priority.
type Mappings map[string][]VariantMapping

// Names returns the canonical names in sorted order.
func (m Mappings) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MappingSource provides the active variant mappings a mapper is built from.
type MappingSource interface {
	LoadAllActiveMappings(ctx context.Context) (Mappings, error)
}

// ConfigError reports an inconsistent catalog definition.
type ConfigError struct {
	Column  string
	Variant string
	Reason  string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Column != "" && e.Variant != "":
		return fmt.Sprintf("catalog: column %q variant %q: %s", e.Column, e.Variant, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("catalog: column %q: %s", e.Column, e.Reason)
	default:
		return "catalog: " + e.Reason
	}
}

// Catalog is an immutable set of canonical columns.
type Catalog struct {
	columns []Column
	byName  map[string]int
}

// New validates the column definitions and builds a catalog.
// Column order is preserved.
func New(columns []Column) (*Catalog, error) {
	c := &Catalog{
		columns: make([]Column, 0, len(columns)),
		byName:  make(map[string]int, len(columns)),
	}

	// variant key -> owning column
	owners := make(map[string]string)

	for _, col := range columns {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			return nil, &ConfigError{Reason: "column with empty name"}
		}
		if _, dup := c.byName[name]; dup {
			return nil, &ConfigError{Column: name, Reason: "defined more than once"}
		}
		col.Name = name

		variants := make([]Variant, len(col.Variants))
		copy(variants, col.Variants)
		for i := range variants {
			v := &variants[i]
			v.Name = strings.TrimSpace(v.Name)
			if v.Name == "" {
				return nil, &ConfigError{Column: name, Reason: fmt.Sprintf("variant %d has an empty name", i)}
			}
			if v.Source == "" {
				v.Source = DefaultSource
			}
			key := strings.ToLower(v.Name)
			if owner, taken := owners[key]; taken && owner != name {
				return nil, &ConfigError{
					Column:  name,
					Variant: v.Name,
					Reason:  fmt.Sprintf("already claimed by column %q", owner),
				}
			}
			owners[key] = name
		}
		sort.SliceStable(variants, func(i, j int) bool {
			return variants[i].Priority < variants[j].Priority
		})
		col.Variants = variants

		if len(col.ErrorValues) > 0 {
			col.ErrorValues = append([]float64(nil), col.ErrorValues...)
		}
		if col.Criteria != nil {
			criteria := make(map[string]any, len(col.Criteria))
			for k, v := range col.Criteria {
				criteria[k] = v
			}
			col.Criteria = criteria
		}

		c.byName[name] = len(c.columns)
		c.columns = append(c.columns, col)
	}

	return c, nil
}

// Len returns the number of columns.
func (c *Catalog) Len() int {
	return len(c.columns)
}

// Column returns a column by canonical name.
func (c *Catalog) Column(name string) (Column, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Column{}, false
	}
	return c.columns[i], true
}

// Columns returns all columns in definition order.
func (c *Catalog) Columns() []Column {
	out := make([]Column, len(c.columns))
	copy(out, c.columns)
	return out
}

// Names returns the canonical names in definition order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.columns))
	for i, col := range c.columns {
		out[i] = col.Name
	}
	return out
}

// ByCategory returns the columns of one category in definition order.
func (c *Catalog) ByCategory(cat Category) []Column {
	var out []Column
	for _, col := range c.columns {
		if col.Category == cat {
			out = append(out, col)
		}
	}
	return out
}

// Categories returns the distinct categories in first-seen order.
func (c *Catalog) Categories() []Category {
	seen := make(map[Category]bool)
	var out []Category
	for _, col := range c.columns {
		if !seen[col.Category] {
			seen[col.Category] = true
			out = append(out, col.Category)
		}
	}
	return out
}

// ErrorValues returns the sentinel readings registered for a column.
func (c *Catalog) ErrorValues(name string) []float64 {
	col, ok := c.Column(name)
	if !ok {
		return nil
	}
	return col.ErrorValues
}

// Unit returns the unit of a column, or "" when unknown.
func (c *Catalog) Unit(name string) string {
	col, _ := c.Column(name)
	return col.Unit
}

// VariantCount returns the total number of variants across all columns.
func (c *Catalog) VariantCount() int {
	n := 0
	for _, col := range c.columns {
		n += len(col.Variants)
	}
	return n
}

// LoadAllActiveMappings implements MappingSource.
func (c *Catalog) LoadAllActiveMappings(ctx context.Context) (Mappings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(Mappings, len(c.columns))
	for _, col := range c.columns {
		if !col.Active {
			continue
		}
		var vs []VariantMapping
		for _, v := range col.Variants {
			if !v.Active {
				continue
			}
			vs = append(vs, VariantMapping{Variant: v.Name, Priority: v.Priority, Source: v.Source})
		}
		if len(vs) > 0 {
			out[col.Name] = vs
		}
	}
	return out, nil
}
