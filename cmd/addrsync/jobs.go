package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/service"
)

// runJob starts a job, waits for it and prints its final row. A job that
// did not succeed or skip is reported as an error.
func runJob(ctx context.Context, start func(context.Context) (*model.Job, error)) error {
	job, err := start(ctx)
	if err != nil {
		return err
	}
	waitFor(ctx)

	view, err := a.svc.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return err
	}
	if err := printJSON(view.Job); err != nil {
		return err
	}
	switch view.Job.Status {
	case model.JobSuccess, model.JobSkipped:
		return nil
	}
	if view.Job.Error != nil {
		return fmt.Errorf("job %d %s: %s", job.ID, view.Job.Status, *view.Job.Error)
	}
	return fmt.Errorf("job %d %s", job.ID, view.Job.Status)
}

// createFetchCmd creates the command downloading the registry extract
func createFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download the registry extract into the import directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			return runJob(cmd.Context(), a.svc.StartFetchJob)
		},
	}
}

// createImportCmd creates the import subcommand
func createImportCmd() *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import registry files",
	}
	importCmd.AddCommand(createImportRunCmd())
	importCmd.AddCommand(createImportAddCmd())
	importCmd.AddCommand(createImportListCmd())
	return importCmd
}

func createImportRunCmd() *cobra.Command {
	var req service.ImportRequest
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Import the next file in the import directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			return runJob(cmd.Context(), func(ctx context.Context) (*model.Job, error) {
				return a.svc.StartImportJob(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", "", "full or delta (default: mode recorded for the file, else delta)")
	cmd.Flags().StringVar(&req.File, "file", "", "file name in the import directory (default: oldest unconsumed)")
	return cmd
}

func createImportAddCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "add [path]",
		Short: "Copy a local file into the import directory and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rec, err := a.svc.RegisterUpload(cmd.Context(), args[0], f, mode)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "delta", "full or delta")
	return cmd
}

func createImportListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered source files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			files, err := a.svc.ListFiles(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(files)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum files to list")
	return cmd
}

// createReconcileCmd creates the command reconciling pending points
func createReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Match pending local points against official ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			job, stats, err := a.svc.StartReconcileJob(cmd.Context())
			if job == nil {
				return err
			}
			if perr := printJSON(map[string]any{"job": job, "stats": stats}); perr != nil {
				return perr
			}
			return err
		},
	}
}

// createJobCmd creates the job inspection subcommand
func createJobCmd() *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and cancel jobs",
	}
	jobCmd.AddCommand(createJobShowCmd())
	jobCmd.AddCommand(createJobListCmd())
	jobCmd.AddCommand(createJobLogsCmd())
	jobCmd.AddCommand(createJobCancelCmd())
	return jobCmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: %w", s, model.ErrValidation)
	}
	return id, nil
}

func createJobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a job and its first log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			view, err := a.svc.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
}

func createJobListCmd() *cobra.Command {
	var (
		typ   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			list, err := a.svc.ListJobs(cmd.Context(), typ, limit)
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "fetch, import or reconcile")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	return cmd
}

func createJobLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [id]",
		Short: "Print a job's log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}
			return tailLogs(ctx, id, follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing until the job finishes")
	return cmd
}

// tailLogs prints log lines in order, polling while follow is set and the
// job is still running.
func tailLogs(ctx context.Context, id int64, follow bool) error {
	var after int64
	for {
		lines, err := a.svc.JobLogs(ctx, id, after, 0)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Printf("%s %-5s %s\n", l.CreatedAt.Format(time.RFC3339), l.Level, l.Line)
			after = l.ID
		}
		if len(lines) > 0 {
			continue
		}
		if !follow {
			return nil
		}
		view, err := a.svc.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if view.Job.Status.Terminal() {
			// one more read picks up lines written while finishing
			follow = false
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func createJobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [id]",
		Short: "Request cancellation of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if err := a.svc.CancelJob(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for job %d\n", id)
			return nil
		},
	}
}
