package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
)

// CatalogStore keeps the column catalog in obd2_columns and
// column_variants. It implements catalog.MappingSource.
type CatalogStore struct {
	db DB
}

// NewCatalogStore creates a CatalogStore.
func NewCatalogStore(db DB) *CatalogStore {
	return &CatalogStore{db: db}
}

var _ catalog.MappingSource = (*CatalogStore)(nil)

// LoadAllActiveMappings returns the active variants of every active column,
// each list in ascending priority.
func (s *CatalogStore) LoadAllActiveMappings(ctx context.Context) (catalog.Mappings, error) {
	rows, err := s.db.Query(ctx, `
		SELECT v.column_name, v.variant, v.priority, v.source
		FROM column_variants v
		JOIN obd2_columns c ON c.name = v.column_name
		WHERE c.active AND v.active
		ORDER BY v.column_name, v.priority, v.variant`)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	defer rows.Close()

	out := make(catalog.Mappings)
	for rows.Next() {
		var (
			column string
			vm     catalog.VariantMapping
		)
		if err := rows.Scan(&column, &vm.Variant, &vm.Priority, &vm.Source); err != nil {
			return nil, fmt.Errorf("load mappings: %w", err)
		}
		out[column] = append(out[column], vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	return out, nil
}

type columnRow struct {
	name        string
	description string
	category    string
	dataType    string
	unit        string
	min, max    *float64
	errorValues []float64
	criteria    []byte
	active      bool
}

type variantRow struct {
	column   string
	variant  string
	priority int
	source   string
	active   bool
}

// LoadCatalog reads the full catalog, inactive entries included.
func (s *CatalogStore) LoadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, description, category, data_type, unit, min_value, max_value,
		       error_values, criteria, active
		FROM obd2_columns ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("load catalog columns: %w", err)
	}
	columns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (columnRow, error) {
		var c columnRow
		err := row.Scan(&c.name, &c.description, &c.category, &c.dataType, &c.unit,
			&c.min, &c.max, &c.errorValues, &c.criteria, &c.active)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog columns: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT column_name, variant, priority, source, active
		FROM column_variants ORDER BY column_name, priority, variant`)
	if err != nil {
		return nil, fmt.Errorf("load catalog variants: %w", err)
	}
	variants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (variantRow, error) {
		var v variantRow
		err := row.Scan(&v.column, &v.variant, &v.priority, &v.source, &v.active)
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog variants: %w", err)
	}

	return assembleCatalog(columns, variants)
}

func assembleCatalog(columns []columnRow, variants []variantRow) (*catalog.Catalog, error) {
	byColumn := make(map[string][]catalog.Variant, len(columns))
	for _, v := range variants {
		byColumn[v.column] = append(byColumn[v.column], catalog.Variant{
			Name:     v.variant,
			Priority: v.priority,
			Source:   v.source,
			Active:   v.active,
		})
	}

	out := make([]catalog.Column, 0, len(columns))
	for _, c := range columns {
		col := catalog.Column{
			Name:        c.name,
			Description: c.description,
			Category:    catalog.Category(c.category),
			DataType:    catalog.DataType(c.dataType),
			Unit:        c.unit,
			Min:         c.min,
			Max:         c.max,
			ErrorValues: c.errorValues,
			Active:      c.active,
			Variants:    byColumn[c.name],
		}
		if len(c.criteria) > 0 {
			if err := json.Unmarshal(c.criteria, &col.Criteria); err != nil {
				return nil, fmt.Errorf("column %s criteria: %w", c.name, err)
			}
			if len(col.Criteria) == 0 {
				col.Criteria = nil
			}
		}
		out = append(out, col)
	}
	return catalog.New(out)
}

// SeedResult counts what Seed wrote.
type SeedResult struct {
	Columns  int `json:"columns"`
	Variants int `json:"variants"`
}

// Seed upserts every column of cat and replaces its variants, in one
// transaction. Columns absent from cat are left untouched.
func (s *CatalogStore) Seed(ctx context.Context, cat *catalog.Catalog) (SeedResult, error) {
	var res SeedResult

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for pos, col := range cat.Columns() {
		criteria := []byte("{}")
		if len(col.Criteria) > 0 {
			if criteria, err = json.Marshal(col.Criteria); err != nil {
				return res, fmt.Errorf("column %s criteria: %w", col.Name, err)
			}
		}
		errorValues := col.ErrorValues
		if errorValues == nil {
			errorValues = []float64{}
		}

		batch.Queue(`
			INSERT INTO obd2_columns (name, position, description, category, data_type, unit,
				min_value, max_value, error_values, criteria, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
			ON CONFLICT (name) DO UPDATE SET
				position = EXCLUDED.position,
				description = EXCLUDED.description,
				category = EXCLUDED.category,
				data_type = EXCLUDED.data_type,
				unit = EXCLUDED.unit,
				min_value = EXCLUDED.min_value,
				max_value = EXCLUDED.max_value,
				error_values = EXCLUDED.error_values,
				criteria = EXCLUDED.criteria,
				active = EXCLUDED.active`,
			col.Name, pos, col.Description, string(col.Category), string(col.DataType), col.Unit,
			col.Min, col.Max, errorValues, string(criteria), col.Active,
		)
		batch.Queue(`DELETE FROM column_variants WHERE column_name = $1`, col.Name)
		for _, v := range col.Variants {
			batch.Queue(`
				INSERT INTO column_variants (column_name, variant, priority, source, active)
				VALUES ($1, $2, $3, $4, $5)`,
				col.Name, v.Name, v.Priority, v.Source, v.Active,
			)
			res.Variants++
		}
		res.Columns++
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return SeedResult{}, fmt.Errorf("seed catalog: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return SeedResult{}, fmt.Errorf("commit seed: %w", err)
	}
	return res, nil
}
