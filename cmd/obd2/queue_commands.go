package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
)

var allowedExtensions = map[string]bool{".csv": true, ".zip": true}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "enqueue <file>...",
		Short: "Queue logs for the background worker",
		Long: "enqueue copies each file into the spool directory and adds a job to the\n" +
			"local queue. A running `obd2 serve` picks the jobs up.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.cfg()
			return ctx.withQueue(func(qs *queue.Store) error {
				out := cmd.OutOrStdout()
				failed := 0
				for _, path := range args {
					job, err := enqueueFile(cmd, qs, path, cfg.Queue.SpoolDir, cfg.Ingest.MaxFileSize, force)
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", filepath.Base(path), err)
						continue
					}
					fmt.Fprintf(out, "queued %s as job %d\n", job.FileName, job.ID)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d files not queued", failed, len(args))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Queue even if the file was ingested before")
	return cmd
}

func enqueueFile(cmd *cobra.Command, qs *queue.Store, path, spoolDir string, maxSize int64, force bool) (*queue.Job, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("unsupported file type %q (want .csv or .zip)", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxSize)
	}

	sum, err := core.FileChecksum(path)
	if err != nil {
		return nil, err
	}
	spooled, err := queue.Spool(spoolDir, path)
	if err != nil {
		return nil, err
	}
	job, err := qs.Enqueue(cmd.Context(), queue.EnqueueRequest{
		Path:     spooled,
		FileName: filepath.Base(path),
		Checksum: sum,
		Force:    force,
	})
	if err != nil {
		os.Remove(spooled)
		if errors.Is(err, queue.ErrAlreadyIngested) {
			return nil, fmt.Errorf("%w (use --force to ingest again)", err)
		}
		return nil, err
	}
	return job, nil
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the ingest queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueuePurgeCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(statusFlag)
			if err != nil {
				return err
			}
			return ctx.withQueue(func(qs *queue.Store) error {
				jobs, err := qs.List(cmd.Context(), limit, statuses...)
				if err != nil {
					return err
				}
				if jsonOut {
					if jobs == nil {
						jobs = []*queue.Job{}
					}
					return writeJSON(cmd, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}

				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					trip := j.TripID
					if trip == "" {
						trip = "-"
					}
					rows = append(rows, []string{
						strconv.FormatInt(j.ID, 10),
						j.FileName,
						label(string(j.Status)),
						fmt.Sprint(j.Attempts),
						trip,
						formatTime(&j.CreatedAt),
						formatTime(j.FinishedAt),
					})
				}
				printTable(cmd,
					[]string{"ID", "File", "Status", "Attempts", "Trip", "Queued", "Finished"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
				)
				for _, j := range jobs {
					if j.Status == queue.StatusFailed && j.ErrorMessage != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "job %d: %s\n", j.ID, j.ErrorMessage)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Comma-separated statuses to show (pending,running,done,failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func parseStatuses(raw string) ([]queue.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := make(map[queue.Status]bool, len(queue.AllStatuses))
	for _, st := range queue.AllStatuses {
		known[st] = true
	}
	var out []queue.Status
	for _, part := range strings.Split(raw, ",") {
		st := queue.Status(strings.ToLower(strings.TrimSpace(part)))
		if !known[st] {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(func(qs *queue.Store) error {
				counts, err := qs.Counts(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, counts)
				}
				rows := make([][]string, 0, len(queue.AllStatuses))
				for _, st := range queue.AllStatuses {
					rows = append(rows, []string{label(string(st)), fmt.Sprint(counts[st])})
				}
				printTable(cmd, []string{"Status", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id> <file>",
		Short: "Move a failed job back to pending",
		Long: "retry spools a fresh copy of the job's original log and moves the job\n" +
			"back to pending. The file must have the checksum the job was queued with.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			cfg := ctx.cfg()
			return ctx.withQueue(func(qs *queue.Store) error {
				job, err := qs.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if job.Status != queue.StatusFailed {
					return fmt.Errorf("job %d is %s, only failed jobs can be retried", id, job.Status)
				}
				sum, err := core.FileChecksum(args[1])
				if err != nil {
					return err
				}
				if sum != job.Checksum {
					return fmt.Errorf("%s does not match job %d (%s)", filepath.Base(args[1]), id, job.FileName)
				}
				spooled, err := queue.Spool(cfg.Queue.SpoolDir, args[1])
				if err != nil {
					return err
				}
				if err := qs.Retry(cmd.Context(), id, spooled); err != nil {
					os.Remove(spooled)
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d requeued\n", id)
				return nil
			})
		},
	}
}

func newQueuePurgeCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			retention := ctx.cfg().Queue.Retention
			if override, _ := cmd.Flags().GetDuration("older-than"); override > 0 {
				retention = override
			}
			return ctx.withQueue(func(qs *queue.Store) error {
				purged, err := qs.Purge(cmd.Context(), retention)
				if err != nil {
					return err
				}
				for _, job := range purged {
					if err := os.Remove(job.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
						fmt.Fprintf(cmd.ErrOrStderr(), "job %d: %v\n", job.ID, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs older than %s\n", len(purged), retention)
				return nil
			})
		},
	}
	cmd.Flags().Duration("older-than", 0, "Override QUEUE_RETENTION")
	return cmd
}
