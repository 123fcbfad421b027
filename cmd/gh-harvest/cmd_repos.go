package main

import (
	"fmt"
	"path/filepath"

	"github.com/Sternrassler/gh-harvest/pkg/export"
	"github.com/Sternrassler/gh-harvest/pkg/github"
	"github.com/spf13/cobra"
)

func newReposCmd(a *app) *cobra.Command {
	var (
		top      int
		language string
		query    string
		minPRs   int
	)

	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Harvest the most starred repositories",
		Long: `Harvests the top repositories of a GitHub search, most starred first.

The result is written to repos_top{N}.csv and to the canonical repos.csv that
the prs and exec commands read by default.`,
		Example: `  gh-harvest repos --top 1000
  gh-harvest repos --top 200 --language Java
  gh-harvest repos --top 200 --min-prs 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gh, err := a.githubClient()
			if err != nil {
				return err
			}
			defer gh.Close()

			perHarvest := filepath.Join(a.cfg.DataDir, export.RepositoriesFile(top))
			canonical := filepath.Join(a.cfg.DataDir, export.CanonicalRepositoriesFile)

			opts := github.SearchOptions{
				Query:           query,
				Language:        language,
				MinPullRequests: minPRs,
				PageDelay:       a.cfg.PageDelay,
				Sink: export.Tee[github.Repository](
					export.NewCSVSink[github.Repository](perHarvest),
					export.NewCSVSink[github.Repository](canonical),
				),
			}

			a.logger.Info().
				Int("top", top).
				Str("search", opts.SearchString()).
				Int("min_prs", minPRs).
				Msg("Harvesting repositories")

			repos, err := github.SearchRepositories(cmd.Context(), gh, top, opts)
			if err != nil {
				return fmt.Errorf("harvest repositories: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d repositories to %s and %s\n", len(repos), perHarvest, canonical)
			return nil
		},
	}

	cmd.Flags().IntVarP(&top, "top", "n", 100, fmt.Sprintf("number of repositories (1-%d)", github.MaxSearchResults))
	cmd.Flags().StringVar(&language, "language", "", "restrict to a primary language, sorted by stars")
	cmd.Flags().StringVar(&query, "query", "", "raw search query (default \""+github.DefaultSearchQuery+"\")")
	cmd.Flags().IntVar(&minPRs, "min-prs", 0, "keep repositories with at least this many merged plus closed pull requests")
	return cmd
}
