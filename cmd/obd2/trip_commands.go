package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/store"
)

func newTripCommand(ctx *commandContext) *cobra.Command {
	tripCmd := &cobra.Command{
		Use:   "trip",
		Short: "Inspect stored trips and their data",
	}
	tripCmd.AddCommand(newTripListCommand(ctx))
	tripCmd.AddCommand(newTripShowCommand(ctx))
	tripCmd.AddCommand(newTripStatsCommand(ctx))
	tripCmd.AddCommand(newTripSeriesCommand(ctx))
	tripCmd.AddCommand(newTripDeleteCommand(ctx))
	return tripCmd
}

func parseTripID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid trip id %q", raw)
	}
	return id, nil
}

func newTripListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				trips, err := store.NewTripStore(pool).List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOut {
					if trips == nil {
						trips = []core.Trip{}
					}
					return writeJSON(cmd, trips)
				}
				if len(trips) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No trips")
					return nil
				}
				rows := make([][]string, 0, len(trips))
				for _, t := range trips {
					rows = append(rows, []string{
						t.ID.String(),
						t.FileName,
						label(string(t.Status)),
						formatTime(t.SessionDate),
						(time.Duration(t.DurationSeconds) * time.Second).String(),
						fmt.Sprint(t.DataPointsCount),
						formatFloat(t.CatalystEfficiency, 1),
					})
				}
				printTable(cmd,
					[]string{"Trip", "File", "Status", "Session", "Duration", "Points", "Catalyst %"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
				)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum trips to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newTripShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <trip-id>",
		Short: "Show a trip and its stored analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTripID(args[0])
			if err != nil {
				return err
			}
			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				trip, err := store.NewTripStore(pool).Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				var analysis *core.Analysis
				if len(trip.AnalysisResults) > 0 {
					analysis = new(core.Analysis)
					if err := json.Unmarshal(trip.AnalysisResults, analysis); err != nil {
						return fmt.Errorf("decode analysis: %w", err)
					}
				}
				if jsonOut {
					return writeJSON(cmd, trip)
				}

				printTable(cmd,
					[]string{"Field", "Value"},
					[][]string{
						{"Trip", trip.ID.String()},
						{"File", trip.FileName},
						{"Status", label(string(trip.Status))},
						{"Checksum", trip.Checksum},
						{"Session", formatTime(trip.SessionDate)},
						{"Duration", (time.Duration(trip.DurationSeconds) * time.Second).String()},
						{"Points", fmt.Sprint(trip.DataPointsCount)},
						{"Catalyst efficiency", formatFloat(trip.CatalystEfficiency, 1)},
						{"Avg STFT", formatFloat(trip.AvgFuelTrimST, 2)},
						{"Avg LTFT", formatFloat(trip.AvgFuelTrimLT, 2)},
						{"Ingested", formatTime(&trip.CreatedAt)},
					},
					[]columnAlignment{alignLeft, alignLeft},
				)
				if analysis != nil {
					printReportSummary(cmd, "Diagnostics", analysis)
					if len(analysis.AvailableColumns) > 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "Columns: %s\n", strings.Join(analysis.AvailableColumns, ", "))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newTripStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stats [trip-id]",
		Short: "Show how much data a trip, or the whole table, holds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := uuid.Nil
			if len(args) == 1 {
				var err error
				if id, err = parseTripID(args[0]); err != nil {
					return err
				}
			}
			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				stats, err := store.NewTripDataQueries(pool).StorageStats(cmd.Context(), id)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, stats)
				}
				rows := [][]string{
					{"Points", fmt.Sprint(stats.Points)},
					{"PIDs", fmt.Sprint(stats.PIDs)},
					{"First point", formatTime(stats.FirstPoint)},
					{"Last point", formatTime(stats.LastPoint)},
				}
				if id == uuid.Nil {
					rows = append(rows, []string{"Table size", formatBytes(stats.TableBytes)})
				}
				printTable(cmd, []string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newTripSeriesCommand(ctx *commandContext) *cobra.Command {
	var (
		pids       []string
		startRaw   string
		endRaw     string
		interval   time.Duration
		downsample bool
	)
	cmd := &cobra.Command{
		Use:   "series <trip-id>",
		Short: "Print stored readings as JSON",
		Long: "series prints raw samples, or with --interval per-bucket aggregates.\n" +
			"--downsample keeps the first, last and average value of each bucket and\n" +
			"needs exactly one --pid.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTripID(args[0])
			if err != nil {
				return err
			}
			var r store.TimeRange
			if r.Start, err = parseTimeFlag(startRaw); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if r.End, err = parseTimeFlag(endRaw); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if downsample && (len(pids) != 1 || interval <= 0) {
				return fmt.Errorf("--downsample needs one --pid and an --interval")
			}

			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				q := store.NewTripDataQueries(pool)
				switch {
				case downsample:
					buckets, err := q.Downsampled(cmd.Context(), id, pids[0], interval)
					if err != nil {
						return err
					}
					return writeJSON(cmd, buckets)
				case interval > 0:
					buckets, err := q.AggregatedStats(cmd.Context(), id, interval, pids)
					if err != nil {
						return err
					}
					return writeJSON(cmd, buckets)
				default:
					samples, err := q.TimeSeries(cmd.Context(), id, pids, r)
					if err != nil {
						return err
					}
					return writeJSON(cmd, samples)
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&pids, "pid", nil, "Canonical column to include (repeatable)")
	cmd.Flags().StringVar(&startRaw, "start", "", "RFC 3339 lower bound for raw samples")
	cmd.Flags().StringVar(&endRaw, "end", "", "RFC 3339 upper bound for raw samples")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Bucket width, e.g. 30s")
	cmd.Flags().BoolVar(&downsample, "downsample", false, "First/last/avg per bucket for one PID")
	return cmd
}

func parseTimeFlag(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func newTripDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <trip-id>",
		Short: "Delete a trip and its data points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTripID(args[0])
			if err != nil {
				return err
			}
			return ctx.withDB(cmd.Context(), func(pool *pgxpool.Pool) error {
				points, err := store.NewTripDataQueries(pool).DeleteTripData(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := store.NewTripStore(pool).Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted trip %s and %d data points\n", id, points)
				return nil
			})
		},
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
