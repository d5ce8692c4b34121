package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/profiling"
	"github.com/Aman-CERP/crossctx/internal/store"
	"github.com/Aman-CERP/crossctx/internal/ui"
)

type indexOptions struct {
	full     bool
	ref      string
	url      string
	branch   string
	recover  bool
	noColor  bool
	profile  string
	interval time.Duration
}

func newIndexCmd() *cobra.Command {
	opts := indexOptions{interval: 500 * time.Millisecond}

	cmd := &cobra.Command{
		Use:   "index <org/name>",
		Short: "Index one repository",
		Long: `Fetch a repository, extract fragments and structural edges, embed them
and write the result to the fragment store.

Without --full the job is incremental: only files changed since the last
indexed commit are processed. A repository that was never indexed always
gets a full index.

Use --url to register the clone URL of a repository that is not listed
in the configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runIndex(ctx, cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.full, "full", false, "Re-index every file instead of the changes since the last indexed commit")
	cmd.Flags().StringVar(&opts.ref, "ref", "", "Commit, tag or branch to index (default: the repository's default branch)")
	cmd.Flags().StringVar(&opts.url, "url", "", "Clone URL to register for the repository")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "Default branch to register with --url")
	cmd.Flags().BoolVar(&opts.recover, "recover", false, "Mark jobs left running by a crashed process as failed first")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.profile, "profile-dir", "", "Write CPU, trace and heap profiles of the run to this directory")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, repoID string, opts indexOptions) error {
	if _, _, err := store.ParseRepoID(repoID); err != nil {
		return err
	}
	if opts.branch != "" && opts.url == "" {
		return cerrors.ValidationError("--branch requires --url", nil)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.open(ctx); err != nil {
		return err
	}

	if opts.recover {
		if _, err := a.coordinator.Recover(ctx); err != nil {
			return err
		}
	}
	if opts.url != "" {
		if _, err := a.coordinator.Register(ctx, store.Repository{
			ID:            repoID,
			CloneURL:      opts.url,
			DefaultBranch: opts.branch,
		}); err != nil {
			return err
		}
	}

	if opts.profile != "" {
		session, err := profiling.Start(opts.profile)
		if err != nil {
			return err
		}
		defer func() {
			if err := session.Stop(); err != nil {
				a.logger.Warn("profile_write_failed", slog.String("error", err.Error()))
				return
			}
			a.logger.Info("profile_written",
				slog.String("dir", session.Dir()),
				slog.String("heap_in_use", profiling.FormatBytes(profiling.HeapInUse())))
		}()
	}

	schedule := a.coordinator.ScheduleIncrementalIndex
	if opts.full {
		schedule = a.coordinator.ScheduleFullIndex
	}
	jobID, err := schedule(ctx, repoID, opts.ref)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	progress := ui.NewJobProgress(out, ui.NoColorFor(out, opts.noColor))
	job, err := waitForJob(ctx, a, repoID, jobID, progress, opts.interval)
	if err != nil {
		return err
	}
	if !job.State.Terminal() {
		return cerrors.New(cerrors.ErrCodeStoreBusy, "repository is being indexed by another process", nil).
			WithDetail("job_id", job.ID).
			WithSuggestion("Wait for that job to finish, or rerun with --recover if its process is gone")
	}

	progress.Complete(job)
	if !job.State.Succeeded() {
		return fmt.Errorf("indexing %s %s", repoID, job.State)
	}
	return nil
}

// waitForJob reports progress snapshots until the job finishes.
func waitForJob(ctx context.Context, a *app, repoID, jobID string, progress *ui.JobProgress, interval time.Duration) (*store.Job, error) {
	done := make(chan struct{})
	var (
		job     *store.Job
		waitErr error
	)
	go func() {
		defer close(done)
		job, waitErr = a.coordinator.Wait(ctx, jobID)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if stderrors.Is(waitErr, context.Canceled) {
				return nil, fmt.Errorf("indexing interrupted")
			}
			return job, waitErr
		case <-ticker.C:
			snap, err := a.coordinator.GetIndexingStatus(ctx, repoID)
			if err == nil && snap.ID == jobID {
				progress.Update(snap)
			}
		}
	}
}
