package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/diagnostic"
)

// errInvalidHeader makes validate exit non-zero after printing its report.
var errInvalidHeader = errors.New("header validation failed")

// profileFile assesses a file without writing anything.
func profileFile(ctx context.Context, cc *commandContext, path string) (*core.FileProfile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("inspect file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	var pool *pgxpool.Pool
	if cc.needsDBForCatalog() {
		if pool, err = cc.connect(ctx); err != nil {
			return nil, err
		}
		defer pool.Close()
	}
	parser, err := cc.profiler(ctx, pool)
	if err != nil {
		return nil, err
	}
	return parser.Profile(ctx, path)
}

func newValidateCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a log's header row and column mapping",
		Long: "validate maps the header of a CSV or ZIP log against the catalog and reports\n" +
			"whether the pipeline would accept it. Nothing is written.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := profileFile(cmd.Context(), ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				if err := writeJSON(cmd, map[string]any{
					"file":     prof.FileName,
					"header":   prof.Header,
					"mapping":  prof.Mapping,
					"unmapped": prof.Unmapped,
				}); err != nil {
					return err
				}
			} else {
				printHeaderReport(cmd, prof)
			}
			if !prof.Header.Valid {
				return errInvalidHeader
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printHeaderReport(cmd *cobra.Command, prof *core.FileProfile) {
	out := cmd.OutOrStdout()
	verdict := "valid"
	if !prof.Header.Valid {
		verdict = "INVALID"
	}
	fmt.Fprintf(out, "%s: header %s\n", prof.FileName, verdict)
	for _, e := range prof.Header.Errors {
		fmt.Fprintf(out, "  - %s\n", e)
	}

	m := prof.Mapping
	printTable(cmd,
		[]string{"Columns", "Mapped", "Unmapped", "Duplicates", "Mapping Rate"},
		[][]string{{
			fmt.Sprint(m.TotalColumns),
			fmt.Sprint(m.MappedColumns),
			fmt.Sprint(m.UnmappedColumns),
			fmt.Sprint(m.DuplicateSources),
			formatPercent(m.MappingRate),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	)
	if len(prof.Unmapped) > 0 {
		fmt.Fprintln(out, "Unmapped headers:")
		for _, h := range prof.Unmapped {
			fmt.Fprintf(out, "  %s\n", h)
		}
	}
}

func newFeasibilityCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	var showColumns bool
	cmd := &cobra.Command{
		Use:   "feasibility <file>",
		Short: "Report which diagnostics a log can support",
		Long: "feasibility samples the first rows of a log, validates every mapped column,\n" +
			"resolves duplicate sources and grades each registered diagnostic.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := profileFile(cmd.Context(), ctx, args[0])
			if err != nil {
				return err
			}
			if !prof.Header.Valid {
				printHeaderReport(cmd, prof)
				return errInvalidHeader
			}
			if jsonOut {
				return writeJSON(cmd, prof)
			}
			printFeasibility(cmd, prof.Columns.Feasibility)
			if len(prof.Columns.Selections) > 0 {
				printSelections(cmd, prof.Columns.Selections)
			}
			if showColumns {
				printValidations(cmd, prof.Columns.Validations)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the full profile as JSON")
	cmd.Flags().BoolVar(&showColumns, "columns", false, "Also list per-column validation")
	return cmd
}

func printFeasibility(cmd *cobra.Command, results []diagnostic.Feasibility) {
	rows := make([][]string, 0, len(results))
	for _, f := range results {
		missing := "-"
		if len(f.MissingMandatory) > 0 {
			missing = fmt.Sprint(f.MissingMandatory)
		}
		rows = append(rows, []string{
			f.Type,
			yesNo(f.Available),
			label(string(f.Confidence)),
			formatPercent(f.Completeness * 100),
			missing,
		})
	}
	printTable(cmd,
		[]string{"Diagnostic", "Available", "Confidence", "Completeness", "Missing Mandatory"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func printSelections(cmd *cobra.Command, selections []diagnostic.Selection) {
	rows := make([][]string, 0, len(selections))
	for _, sel := range selections {
		rows = append(rows, []string{
			sel.Column,
			sel.Best.CSVColumn,
			fmt.Sprintf("%.1f", sel.Best.Score),
			fmt.Sprint(len(sel.Candidates)),
			yesNo(sel.Independent),
		})
	}
	printTable(cmd,
		[]string{"Column", "Best Source", "Score", "Candidates", "Independent"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func printValidations(cmd *cobra.Command, results map[string]diagnostic.ValidationResult) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		r := results[name]
		rows = append(rows, []string{
			name,
			yesNo(r.Valid),
			label(string(r.Reason)),
			formatPercent(r.Stats.ValidRate),
			formatFloat(r.Stats.Min, 2),
			formatFloat(r.Stats.Max, 2),
			formatFloat(r.Stats.Avg, 2),
		})
	}
	printTable(cmd,
		[]string{"Column", "Valid", "Reason", "Valid Rate", "Min", "Max", "Avg"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}
