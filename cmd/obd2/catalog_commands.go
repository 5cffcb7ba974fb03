package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
	"github.com/JonMunkholm/obd2ingest/internal/store"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and manage the column catalog",
	}
	catalogCmd.AddCommand(newCatalogListCommand(ctx))
	catalogCmd.AddCommand(newCatalogVariantsCommand(ctx))
	catalogCmd.AddCommand(newCatalogExportCommand(ctx))
	catalogCmd.AddCommand(newCatalogSeedCommand(ctx))
	return catalogCmd
}

// withCatalog loads the configured catalog, connecting only when the
// source is postgres.
func (c *commandContext) withCatalog(ctx context.Context, fn func(*catalog.Catalog) error) error {
	if !c.needsDBForCatalog() {
		cat, err := c.loadCatalog(ctx, nil)
		if err != nil {
			return err
		}
		return fn(cat)
	}
	return c.withDB(ctx, func(pool *pgxpool.Pool) error {
		cat, err := c.loadCatalog(ctx, pool)
		if err != nil {
			return err
		}
		return fn(cat)
	})
}

func newCatalogListCommand(ctx *commandContext) *cobra.Command {
	var category string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List canonical columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCatalog(cmd.Context(), func(cat *catalog.Catalog) error {
				cols := cat.Columns()
				if category != "" {
					cols = cat.ByCategory(catalog.Category(strings.ToLower(category)))
					if len(cols) == 0 {
						return fmt.Errorf("no columns in category %q (known: %v)", category, cat.Categories())
					}
				}
				if jsonOut {
					return writeJSON(cmd, cols)
				}

				rows := make([][]string, 0, len(cols))
				for _, c := range cols {
					unit := c.Unit
					if unit == "" {
						unit = "-"
					}
					rows = append(rows, []string{
						c.Name,
						label(string(c.Category)),
						string(c.DataType),
						unit,
						fmt.Sprint(len(c.Variants)),
						yesNo(c.Active),
					})
				}
				printTable(cmd,
					[]string{"Column", "Category", "Type", "Unit", "Variants", "Active"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintf(cmd.OutOrStdout(), "%d columns, %d variants\n", len(cols), cat.VariantCount())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only list one category")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCatalogVariantsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "variants <column>",
		Short: "Show the header variants of a canonical column, in priority order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCatalog(cmd.Context(), func(cat *catalog.Catalog) error {
				col, ok := cat.Column(args[0])
				if !ok {
					return fmt.Errorf("unknown column %q", args[0])
				}
				rows := make([][]string, 0, len(col.Variants))
				for _, v := range col.Variants {
					rows = append(rows, []string{
						fmt.Sprint(v.Priority),
						v.Name,
						v.Source,
						yesNo(v.Active),
					})
				}
				printTable(cmd,
					[]string{"Priority", "Header", "Source", "Active"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				)
				return nil
			})
		},
	}
}

func newCatalogExportCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the catalog as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCatalog(cmd.Context(), func(cat *catalog.Catalog) error {
				if output == "" || output == "-" {
					return catalog.EncodeTOML(cmd.OutOrStdout(), cat)
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				if err := catalog.EncodeTOML(f, cat); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d columns to %s\n", cat.Len(), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func newCatalogSeedCommand(ctx *commandContext) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert a catalog into the database tables",
		Long: "seed writes the embedded catalog, or the TOML file given with --file,\n" +
			"into obd2_columns and column_variants. Run it before switching\n" +
			"CATALOG_SOURCE to postgres.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cat *catalog.Catalog
			var err error
			if file != "" {
				cat, err = catalog.LoadFile(file)
			} else {
				cat, err = catalog.Default()
			}
			if err != nil {
				return err
			}
			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				res, err := store.NewCatalogStore(pool).Seed(cmd.Context(), cat)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d columns and %d variants\n", res.Columns, res.Variants)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "TOML catalog to seed (default: embedded)")
	return cmd
}
