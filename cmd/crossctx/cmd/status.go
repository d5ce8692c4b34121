package cmd

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/store"
	"github.com/Aman-CERP/crossctx/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "status <org/name>",
		Short: "Show the indexing status of a repository",
		Long: `Display the running indexing job of a repository, or its most recent one:
  - State and current stage
  - Files processed, deleted and failed
  - Fragments and edges written
  - The commit the repository is indexed at`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, args[0], jsonOutput, noColor)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, repoID string, jsonOutput, noColor bool) error {
	if _, _, err := store.ParseRepoID(repoID); err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.open(ctx); err != nil {
		return err
	}

	repo, err := a.store.GetRepository(ctx, repoID)
	if stderrors.Is(err, store.ErrNotFound) {
		return cerrors.New(cerrors.ErrCodeNotFound, "unknown repository", nil).
			WithDetail("repo", repoID).
			WithSuggestion(fmt.Sprintf("Run 'crossctx index %s --url <clone-url>' to register and index it", repoID))
	}
	if err != nil {
		return err
	}

	job, err := a.coordinator.GetIndexingStatus(ctx, repoID)
	if cerrors.GetCode(err) == cerrors.ErrCodeNotFound {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s has never been indexed\n", repoID)
		return err
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	renderer := ui.NewStatusRenderer(out, ui.NoColorFor(out, noColor))
	info := ui.NewStatusInfo(job, repo)
	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}
