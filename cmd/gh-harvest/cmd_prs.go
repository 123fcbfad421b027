package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/export"
	"github.com/Sternrassler/gh-harvest/pkg/github"
	"github.com/spf13/cobra"
)

func newPullRequestsCmd(a *app) *cobra.Command {
	var (
		input    string
		repos    []string
		limit    int
		maxRepos int
		reviewed bool
	)

	cmd := &cobra.Command{
		Use:   "prs",
		Short: "Harvest merged and closed pull requests per repository",
		Long: `Harvests the pull requests of every repository listed in the nameWithOwner
column of the input CSV (or given with --repo), one repository at a time.

Each repository is written to prs_{owner}_{name}.csv; all of them are merged
into dataset_prs.csv. A repository that fails is reported and skipped.`,
		Example: `  gh-harvest prs --limit 200 --reviewed
  gh-harvest prs --repo golang/go --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if limit < 1 {
				return fmt.Errorf("%w: --limit must be at least 1, got %d", client.ErrInvalidArgument, limit)
			}

			targets := repos
			if len(targets) == 0 {
				if input == "" {
					input = filepath.Join(a.cfg.DataDir, export.CanonicalRepositoriesFile)
				}
				names, err := export.ReadColumn(input, "nameWithOwner")
				if err != nil {
					return fmt.Errorf("read repositories: %w", err)
				}
				targets = names
			}
			if maxRepos > 0 && len(targets) > maxRepos {
				targets = targets[:maxRepos]
			}
			if len(targets) == 0 {
				return fmt.Errorf("%w: no repositories to harvest", client.ErrInvalidArgument)
			}
			for _, repo := range targets {
				if _, _, err := github.SplitNameWithOwner(repo); err != nil {
					return err
				}
			}

			gh, err := a.githubClient()
			if err != nil {
				return err
			}
			defer gh.Close()

			var dataset []github.PullRequest
			var failed []string
			for i, repo := range targets {
				path := filepath.Join(a.cfg.DataDir, export.PullRequestsFile(repo))
				prs, err := github.PullRequests(ctx, gh, repo, limit, github.PullRequestOptions{
					ReviewedOnly: reviewed,
					PageDelay:    a.cfg.PageDelay,
					Sink:         export.NewCSVSink[github.PullRequest](path),
				})
				if err != nil {
					if fatal(ctx, err) {
						return fmt.Errorf("harvest %s: %w", repo, err)
					}
					a.logger.Warn().Err(err).Str("repo", repo).Msg("Skipping repository")
					fmt.Fprintf(out, "[%d/%d] %s: failed: %v\n", i+1, len(targets), repo, err)
					failed = append(failed, repo)
					continue
				}
				dataset = append(dataset, prs...)
				fmt.Fprintf(out, "[%d/%d] %s: %d pull requests\n", i+1, len(targets), repo, len(prs))
			}

			datasetPath := filepath.Join(a.cfg.DataDir, export.DatasetFile)
			if err := export.NewCSVSink[github.PullRequest](datasetPath).Write(ctx, dataset); err != nil {
				return fmt.Errorf("write dataset: %w", err)
			}
			fmt.Fprintf(out, "Saved %d pull requests from %d repositories to %s\n",
				len(dataset), len(targets)-len(failed), datasetPath)

			if len(failed) > 0 {
				return fmt.Errorf("%d of %d repositories failed", len(failed), len(targets))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "CSV with a nameWithOwner column (default {data-dir}/repos.csv)")
	cmd.Flags().StringSliceVar(&repos, "repo", nil, "repository as owner/name (repeatable, overrides --input)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "pull requests per repository")
	cmd.Flags().IntVar(&maxRepos, "max-repos", 0, "harvest only the first N repositories (0 = all)")
	cmd.Flags().BoolVar(&reviewed, "reviewed", false, "keep only pull requests with a review that stayed open for at least an hour")
	return cmd
}

// fatal reports errors that would fail every following repository too.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, client.ErrInvalidArgument) ||
		errors.Is(err, client.ErrAuthentication) ||
		errors.Is(err, client.ErrContextCancelled)
}
