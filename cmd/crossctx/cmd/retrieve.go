package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/retrieve"
	"github.com/Aman-CERP/crossctx/internal/store"
	"github.com/Aman-CERP/crossctx/internal/ui"
)

type retrieveOptions struct {
	maxResults    int
	minSimilarity float64
	fromDir       string
	jsonOutput    bool
	noColor       bool
}

func newRetrieveCmd() *cobra.Command {
	var opts retrieveOptions

	cmd := &cobra.Command{
		Use:   "retrieve <org/name> <file>...",
		Short: "Find code in other repositories related to changed files",
		Long: `Read the current content of changed files of a repository and list the
fragments of other indexed repositories they relate to.

Structural matches (an HTTP call and the endpoint it reaches, a producer
and consumer of the same topic, a shared schema) rank before semantic
matches found by embedding similarity.

File paths are repository-relative; contents are read from --from-dir.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetrieve(cmd.Context(), cmd, args[0], args[1:], opts)
		},
	}

	cmd.Flags().IntVar(&opts.maxResults, "max-results", 0, "Maximum results (default from config)")
	cmd.Flags().Float64Var(&opts.minSimilarity, "min-similarity", 0, "Minimum cosine similarity for semantic matches (default from config)")
	cmd.Flags().StringVar(&opts.fromDir, "from-dir", ".", "Checkout the file paths are read from")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	return cmd
}

func runRetrieve(ctx context.Context, cmd *cobra.Command, repoID string, paths []string, opts retrieveOptions) error {
	if _, _, err := store.ParseRepoID(repoID); err != nil {
		return err
	}
	if opts.maxResults < 0 || opts.minSimilarity < 0 || opts.minSimilarity > 1 {
		return cerrors.ValidationError("--max-results must be >= 0 and --min-similarity within [0, 1]", nil)
	}
	files, err := readChangedFiles(opts.fromDir, paths)
	if err != nil {
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

	ropts := retrieve.Options{MaxResults: opts.maxResults}
	if cmd.Flags().Changed("min-similarity") {
		ropts.MinSimilarity = retrieve.Similarity(opts.minSimilarity)
	}
	results, err := a.retriever.RetrieveContext(ctx, repoID, files, ropts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	renderer := ui.NewResultsRenderer(out, ui.NoColorFor(out, opts.noColor))
	if opts.jsonOutput {
		return renderer.RenderJSON(results)
	}
	return renderer.Render(repoID, results)
}

// readChangedFiles loads each repository-relative path under dir. A path
// that no longer exists is sent with empty content, as a deleted file.
func readChangedFiles(dir string, paths []string) ([]retrieve.ChangedFile, error) {
	files := make([]retrieve.ChangedFile, 0, len(paths))
	for _, p := range paths {
		rel := filepath.ToSlash(filepath.Clean(p))
		if filepath.IsAbs(p) || rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, cerrors.New(cerrors.ErrCodeInvalidPath, "path must be relative to the repository root", nil).
				WithDetail("path", p)
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		switch {
		case os.IsNotExist(err):
			data = nil
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, retrieve.ChangedFile{Path: rel, Content: string(data)})
	}
	return files, nil
}
