package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listingwatch/internal/app"
	"github.com/JakeFAU/listingwatch/internal/crawler"
)

func newQueryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Manage registered search queries",
	}
	cmd.AddCommand(newQueryAddCmd(opts), newQueryRemoveCmd(opts), newQueryListCmd(opts))
	return cmd
}

func newQueryAddCmd(opts *rootOptions) *cobra.Command {
	var (
		params             crawler.QueryParams
		minPrice, maxPrice int
	)
	cmd := &cobra.Command{
		Use:   "add <keywords...>",
		Short: "Register a query and run its initial crawl",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Keywords = args
			if cmd.Flags().Changed("min-price") {
				params.MinPrice = &minPrice
			}
			if cmd.Flags().Changed("max-price") {
				params.MaxPrice = &maxPrice
			}
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				res, err := a.Worker().AddQuery(ctx, params)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				q := res.Query
				switch {
				case res.Skipped:
					fmt.Fprintf(out, "query %q already registered, skipped\n", q.DisplayKeywords())
				case res.InitialErr != nil:
					fmt.Fprintf(out, "added %q; initial crawl failed: %v\n", q.DisplayKeywords(), res.InitialErr)
				default:
					fmt.Fprintf(out, "added %q with %d listings\n", q.DisplayKeywords(), len(q.Results))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&params.Location, "location", crawler.DefaultLocation, "location path segment")
	f.IntVar(&minPrice, "min-price", 0, "lower price bound")
	f.IntVar(&maxPrice, "max-price", 0, "upper price bound")
	f.IntVar(&params.MaxPage, "max-page", 1, "number of result pages to crawl")
	f.StringVar(&params.Subscriber, "subscriber", "", "recipient of notifications")
	return cmd
}

func newQueryRemoveCmd(opts *rootOptions) *cobra.Command {
	var subscriber string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove every query of a subscriber",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(subscriber) == "" {
				return errors.New("--subscriber is required")
			}
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				n, err := a.Worker().RemoveQueries(ctx, subscriber)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d queries for %s\n", n, subscriber)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "subscriber whose queries are removed")
	return cmd
}

func newQueryListCmd(opts *rootOptions) *cobra.Command {
	var subscriber string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				qs, err := a.Worker().ListQueries(ctx, subscriber)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEYWORDS\tLOCATION\tPRICE\tPAGES\tSUBSCRIBER\tRESULTS\tNEW")
				for _, q := range qs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%d\n",
						q.DisplayKeywords(), q.Location, priceRange(q), q.MaxPage,
						q.Subscriber, len(q.Results), len(q.RecentlyAdded))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "only list queries of this subscriber")
	return cmd
}

func priceRange(q crawler.Query) string {
	bound := func(p *int) string {
		if p == nil {
			return ""
		}
		return strconv.Itoa(*p)
	}
	if q.MinPrice == nil && q.MaxPrice == nil {
		return "any"
	}
	return bound(q.MinPrice) + "-" + bound(q.MaxPrice)
}
