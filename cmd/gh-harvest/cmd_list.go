package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/export"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved CSV results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := export.ListResults(a.cfg.DataDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintf(out, "No results in %s\n", a.cfg.DataDir)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tSIZE\tMODIFIED")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Name, f.Size, f.ModTime.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}
