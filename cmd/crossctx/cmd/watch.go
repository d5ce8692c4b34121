package cmd

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/crossctx/internal/store"
	"github.com/Aman-CERP/crossctx/internal/trigger"
)

type watchOptions struct {
	debounce time.Duration
	poll     time.Duration
	branches []string
	polling  bool
}

func (o watchOptions) trigger() trigger.Options {
	return trigger.Options{
		DebounceWindow: o.debounce,
		PollInterval:   o.poll,
		Branches:       o.branches,
		ForcePolling:   o.polling,
	}
}

func newWatchCmd() *cobra.Command {
	opts := watchOptions{
		debounce: trigger.DefaultOptions().DebounceWindow,
		poll:     trigger.DefaultOptions().PollInterval,
	}

	cmd := &cobra.Command{
		Use:   "watch <mirror-root>",
		Short: "Index repositories incrementally when their branches move",
		Long: `Watch a directory of bare repositories laid out as <org>/<name>.git and
schedule an incremental index whenever a branch of one of them moves.

Repositories found under the root that are not registered yet are
registered with the bare repository as their clone URL.

Falls back to polling when file system notifications are unavailable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.open(ctx); err != nil {
				return err
			}
			if _, err := a.coordinator.Recover(ctx); err != nil {
				return err
			}

			t, err := newTrigger(ctx, a, args[0], opts.trigger())
			if err != nil {
				return err
			}
			if err := t.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.debounce, "debounce", opts.debounce, "Quiet period before a burst of ref updates is scheduled")
	cmd.Flags().DurationVar(&opts.poll, "poll-interval", opts.poll, "Scan interval in polling mode")
	cmd.Flags().StringSliceVar(&opts.branches, "branch", nil, "Only react to these branches (default: any)")
	cmd.Flags().BoolVar(&opts.polling, "poll", false, "Poll instead of using file system notifications")

	return cmd
}

// newTrigger builds a trigger over root and registers the mirrors it finds.
func newTrigger(ctx context.Context, a *app, root string, opts trigger.Options) (*trigger.Trigger, error) {
	t, err := trigger.New(root, a.coordinator, opts, a.logger)
	if err != nil {
		return nil, err
	}
	mirrors, err := trigger.Discover(root)
	if err != nil {
		return nil, err
	}
	for _, m := range mirrors {
		if err := registerMirror(ctx, a, m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func registerMirror(ctx context.Context, a *app, m trigger.Mirror) error {
	_, err := a.store.GetRepository(ctx, m.RepoID)
	switch {
	case err == nil:
		return nil
	case !stderrors.Is(err, store.ErrNotFound):
		return err
	}
	if _, err := a.coordinator.Register(ctx, store.Repository{ID: m.RepoID, CloneURL: m.GitDir}); err != nil {
		return err
	}
	a.logger.Info("repository_registered",
		slog.String("repo", m.RepoID),
		slog.String("clone_url", m.GitDir))
	return nil
}
