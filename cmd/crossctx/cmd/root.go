// Package cmd provides the CLI commands for crossctx.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/pkg/version"
)

// Global flags
var (
	configPath string
	debugMode  bool
	logToFile  bool
)

// NewRootCmd creates the root command for the crossctx CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crossctx",
		Short: "Cross-repository context for code review",
		Long: `crossctx indexes an organization's repositories into code fragments,
structural edges (endpoints, HTTP calls, topics, schemas) and embeddings,
and answers "what elsewhere relates to these changed files".

Index repositories with 'crossctx index', keep them fresh with
'crossctx watch', and serve retrieval to review agents with 'crossctx serve'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("crossctx version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: layered user, project and environment config)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "Write logs to <data_dir>/logs instead of stderr")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRetrieveCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints a failure the way users read it.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		_, _ = root.ErrOrStderr().Write([]byte(cerrors.FormatForCLI(err)))
	}
	return err
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
