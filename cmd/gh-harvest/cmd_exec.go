package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/chunkrun"
	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/export"
	"github.com/spf13/cobra"
)

func newExecCmd(a *app) *cobra.Command {
	var (
		input   string
		workers int
		chunks  int
		workDir string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run an external command over contiguous chunks of a CSV",
		Long: `Splits the input CSV into contiguous chunks, writes every chunk to its own
file and runs the command once per chunk with a bounded number of workers.

The placeholders {input}, {output} and {index} in the arguments are replaced
by the chunk file, the suggested output file and the chunk number. A failing
chunk does not stop the others; the command exits non-zero if any failed.`,
		Example: `  gh-harvest exec --workers 5 -- ./measure.sh {input} {output}`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				input = filepath.Join(a.cfg.DataDir, export.CanonicalRepositoriesFile)
			}
			header, rows, err := export.ReadFile(input)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if len(rows) == 0 {
				return fmt.Errorf("%w: %s has no rows", client.ErrInvalidArgument, input)
			}

			if workDir == "" {
				workDir = filepath.Join(a.cfg.DataDir, "chunks")
			}
			if err := os.MkdirAll(workDir, 0o755); err != nil {
				return fmt.Errorf("create work dir: %w", err)
			}

			command := chunkrun.Command{Name: args[0], Args: args[1:], Timeout: timeout}
			results, err := chunkrun.Run(cmd.Context(), header, rows, chunkrun.Config{
				Workers: workers,
				Chunks:  chunks,
				Dir:     workDir,
			}, command.Task())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHUNK\tROWS\tDURATION\tSTATUS")
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					status = "failed: " + r.Err.Error()
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", r.Index, r.Rows, r.Duration.Round(time.Millisecond), status)
			}
			tw.Flush()

			if n := chunkrun.Failed(results); n > 0 {
				return fmt.Errorf("%d of %d chunks failed", n, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input CSV (default {data-dir}/repos.csv)")
	cmd.Flags().IntVarP(&workers, "workers", "w", chunkrun.DefaultWorkers, "concurrent commands")
	cmd.Flags().IntVar(&chunks, "chunks", 0, "number of chunks (default: workers)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for chunk files (default {data-dir}/chunks)")
	cmd.Flags().DurationVar(&timeout, "chunk-timeout", 0, "timeout per chunk (0 = none)")
	return cmd
}
