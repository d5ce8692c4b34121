package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/crossctx/internal/mcp"
	"github.com/Aman-CERP/crossctx/internal/trigger"
)

type serveOptions struct {
	metricsAddr string
	watchRoot   string
	watch       watchOptions
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{
		watch: watchOptions{
			debounce: trigger.DefaultOptions().DebounceWindow,
			poll:     trigger.DefaultOptions().PollInterval,
		},
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve context retrieval to review agents over MCP",
		Long: `Start an MCP server on stdin/stdout exposing the retrieve_context,
indexing_status and schedule_index tools.

Stdout carries JSON-RPC only; logs go to stderr or the log file.

With --watch the server also schedules incremental indexing when a
repository under the given mirror root moves. With --metrics-addr, or
metrics.enabled in the configuration, Prometheus metrics are served
over HTTP at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().StringVar(&opts.watchRoot, "watch", "", "Mirror root to watch for branch updates")
	cmd.Flags().DurationVar(&opts.watch.debounce, "debounce", opts.watch.debounce, "Quiet period before a burst of ref updates is scheduled")
	cmd.Flags().StringSliceVar(&opts.watch.branches, "branch", nil, "Only react to these branches (default: any)")
	cmd.Flags().BoolVar(&opts.watch.polling, "poll", false, "Poll instead of using file system notifications")

	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
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

	server, err := mcp.NewServer(a.retriever, a.coordinator, a.logger)
	if err != nil {
		return err
	}

	addr := opts.metricsAddr
	if addr == "" && a.cfg.Metrics.Enabled {
		addr = a.cfg.Metrics.Addr
	}

	var t *trigger.Trigger
	if opts.watchRoot != "" {
		t, err = newTrigger(ctx, a, opts.watchRoot, opts.watch.trigger())
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if addr != "" {
		srv, ln, err := metricsServer(a, addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		a.logger.Info("metrics_listening", slog.String("addr", ln.Addr().String()))
	}

	if t != nil {
		g.Go(func() error {
			if err := t.Run(gctx); err != nil && !stderrors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		// Stdin closing ends the session, and with it everything else.
		defer cancel()
		return server.Serve(gctx)
	})

	return g.Wait()
}

func metricsServer(a *app, addr string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln, nil
}
