package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/logging"
	"github.com/JonMunkholm/obd2ingest/internal/store"
)

// fileOutcome is one row of the ingest summary.
type fileOutcome struct {
	Path   string            `json:"path"`
	Result *core.ParseResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Code   string            `json:"code,omitempty"`
	Hint   string            `json:"hint,omitempty"`
}

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var force bool
	var jsonOut bool
	var quiet bool
	var jobs int

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Parse logs into the database and analyze them",
		Long: "ingest streams each CSV or ZIP log into trip_data, records a trip and\n" +
			"stores the diagnostic report. Files whose checksum matches an existing\n" +
			"trip are skipped unless --force is given.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobs <= 0 {
				jobs = ctx.cfg().Ingest.MaxConcurrent
			}
			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				p, err := ctx.buildPipeline(cmd.Context(), pool)
				if err != nil {
					return err
				}

				var progress io.Writer
				if !quiet && !jsonOut {
					progress = cmd.ErrOrStderr()
				}
				outcomes := ingestFiles(cmd.Context(), p, args, ingestOptions{
					force:    force,
					jobs:     jobs,
					progress: progress,
				})

				if jsonOut {
					if err := writeJSON(cmd, outcomes); err != nil {
						return err
					}
				} else {
					printOutcomes(cmd, outcomes)
				}
				return summarize(outcomes)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Ingest even if the file was ingested before")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "Files to ingest in parallel (default: INGEST_MAX_CONCURRENT)")
	return cmd
}

type ingestOptions struct {
	force    bool
	jobs     int
	progress io.Writer
}

// ingestFiles runs every file through the service and never stops early:
// one bad file must not cost the others their run.
func ingestFiles(ctx context.Context, p *pipeline, paths []string, opts ingestOptions) []fileOutcome {
	outcomes := make([]fileOutcome, len(paths))
	printer := &progressPrinter{
		w:     opts.progress,
		last:  make(map[string]time.Time),
		phase: make(map[string]core.IngestPhase),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.jobs)
	for i, path := range paths {
		g.Go(func() error {
			res, err := ingestOne(gctx, p, path, opts.force, printer.report)
			outcomes[i] = fileOutcome{Path: path, Result: res}
			if err != nil {
				msg := core.MapError(err)
				outcomes[i].Error = err.Error()
				outcomes[i].Code = msg.Code
				outcomes[i].Hint = msg.Message + ". " + msg.Action
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func ingestOne(ctx context.Context, p *pipeline, path string, force bool, progress core.ProgressFunc) (*core.ParseResult, error) {
	sum, err := core.FileChecksum(path)
	if err != nil {
		return nil, err
	}
	if !force {
		existing, err := p.trips.FindByChecksum(ctx, sum)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%s matches trip %s: %w", filepath.Base(path), existing.ID, core.ErrAlreadyIngested)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	log := logging.WithFields(ctx, "file", path)
	log.Debug("ingest starting", "checksum", sum)
	return p.service.Ingest(ctx, core.Source{Path: path, Name: filepath.Base(path), Checksum: sum}, progress)
}

// progressPrinter writes at most one line per file per second, plus every
// phase change.
type progressPrinter struct {
	w     io.Writer
	mu    sync.Mutex
	last  map[string]time.Time
	phase map[string]core.IngestPhase
}

func (pp *progressPrinter) report(p core.IngestProgress) {
	if pp.w == nil {
		return
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()

	now := time.Now()
	changed := pp.phase[p.FileName] != p.Phase
	if !changed && now.Sub(pp.last[p.FileName]) < time.Second {
		return
	}
	pp.last[p.FileName] = now
	pp.phase[p.FileName] = p.Phase

	fmt.Fprintf(pp.w, "%-32s %-10s %3d%%  rows=%d skipped=%d points=%d\n",
		p.FileName, p.Phase, p.Percent(), p.Rows, p.Skipped, p.PointsWritten)
}

func printOutcomes(cmd *cobra.Command, outcomes []fileOutcome) {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		row := []string{filepath.Base(o.Path), "-", "-", "-", "-", "-", "-"}
		if r := o.Result; r != nil {
			row[1] = r.TripID.String()
			row[2] = label(string(r.Status))
			row[3] = fmt.Sprint(r.TotalRows)
			row[4] = fmt.Sprint(r.SkippedRows)
			row[5] = fmt.Sprint(r.PointsWritten)
			row[6] = r.Duration.Round(time.Millisecond).String()
		}
		if o.Error != "" {
			row[2] = "Failed (" + o.Code + ")"
		}
		rows = append(rows, row)
	}
	printTable(cmd,
		[]string{"File", "Trip", "Status", "Rows", "Skipped", "Points", "Took"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)

	out := cmd.OutOrStdout()
	for _, o := range outcomes {
		if o.Error == "" {
			continue
		}
		fmt.Fprintf(out, "%s: %s\n  %s\n", filepath.Base(o.Path), o.Hint, o.Error)
	}
	for _, o := range outcomes {
		if o.Result != nil && o.Result.Analysis != nil && o.Error == "" {
			printReportSummary(cmd, filepath.Base(o.Path), o.Result.Analysis)
		}
	}
}

// printReportSummary prints one line per diagnostic sub-report.
func printReportSummary(cmd *cobra.Command, name string, a *core.Analysis) {
	d := a.Diagnostics
	printTable(cmd,
		[]string{name, "Status", "Score", "Detail"},
		[][]string{
			{"Catalyst", label(string(d.Catalyst.Status)), formatInt(d.Catalyst.Score), d.Catalyst.Message},
			{"Fuel trim", label(string(d.FuelTrim.Status)), formatInt(d.FuelTrim.Score), d.FuelTrim.Message},
			{"O2 sensors", label(string(d.O2Sensors.Status)), formatInt(d.O2Sensors.Score), d.O2Sensors.Message},
			{"Engine", label(string(d.Engine.Status)), formatInt(d.Engine.Score), d.Engine.Message},
		},
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
}

// summarize turns per-file failures into the command's exit status.
func summarize(outcomes []fileOutcome) error {
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d files failed", failed, len(outcomes))
}
