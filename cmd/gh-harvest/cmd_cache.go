package main

import (
	"fmt"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the Redis page cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete every cached page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cache == nil {
				return fmt.Errorf("%w: the page cache needs --redis or REDIS_URL", client.ErrInvalidArgument)
			}
			n, err := a.cache.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d cached pages\n", n)
			return nil
		},
	})
	return cmd
}
