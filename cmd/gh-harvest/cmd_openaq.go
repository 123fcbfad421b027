package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/export"
	"github.com/Sternrassler/gh-harvest/pkg/openaq"
	"github.com/Sternrassler/gh-harvest/pkg/pagination"
	"github.com/spf13/cobra"
)

func newOpenAQCmd(a *app) *cobra.Command {
	var (
		days         int
		country      int
		maxLocations int
		workers      int
		output       string
	)

	cmd := &cobra.Command{
		Use:   "openaq",
		Short: "Harvest daily PM2.5 and PM10 measurements of the Brazilian capitals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rest, err := a.openAQClient()
			if err != nil {
				return err
			}
			defer rest.Close()

			if output == "" {
				output = filepath.Join(a.cfg.DataDir, export.MeasurementsFile)
			}

			batch := openAQBatch(workers, a.cfg.Timeout, rest.RetryConfig())
			aq := openaq.New(rest, openaq.Options{Batch: batch, SensorDelay: a.cfg.PageDelay})
			rows, err := aq.Harvest(cmd.Context(), openaq.HarvestOptions{
				CountryID:    country,
				Days:         days,
				MaxLocations: maxLocations,
				Sink:         export.NewCSVSink[openaq.Measurement](output),
			})
			if err != nil {
				return fmt.Errorf("harvest openaq: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d measurements to %s\n", len(rows), output)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", openaq.DefaultDays, "look-back window in days")
	cmd.Flags().IntVar(&country, "country", openaq.BrazilCountryID, "OpenAQ country id")
	cmd.Flags().IntVar(&maxLocations, "max-locations", 0, "visit at most N capital locations (0 = all)")
	cmd.Flags().IntVar(&workers, "workers", 4, "parallel page requests for listings")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output CSV (default {data-dir}/"+export.MeasurementsFile+")")
	return cmd
}

// openAQBatch bounds each listing page by the whole retry budget of one request,
// since a page fetch includes every attempt and backoff of client.Get.
func openAQBatch(workers int, attemptTimeout time.Duration, retry client.RetryConfig) pagination.Config {
	batch := pagination.DefaultConfig()
	batch.MaxConcurrency = workers
	batch.Timeout = retry.MaxDuration(attemptTimeout)
	return batch
}
