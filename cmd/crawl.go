package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listingwatch/internal/app"
	"github.com/JakeFAU/listingwatch/internal/config"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs a single cycle over
// every registered query and delivers the new listings.
func newCrawlCmd(opts *rootOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mutate := func(c *config.Config) {
				if cmd.Flags().Changed("strict") {
					c.Crawler.Strict = strict
				}
			}
			return withApp(cmd, opts, mutate, func(ctx context.Context, a *app.App) error {
				res, err := a.Worker().RunCycle(ctx)
				if err != nil {
					return err
				}
				rep := res.Report
				fmt.Fprintf(cmd.OutOrStdout(),
					"cycle %s: %d queries, %d failed, %d new listings, %d notifications sent (%d suppressed, %d failed)\n",
					rep.ID, len(rep.Outcomes), rep.Failed(), rep.NewListings(),
					res.Delivery.Sent, res.Delivery.Suppressed, res.Delivery.Failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "abort the cycle on the first fetch or parse failure")
	return cmd
}
