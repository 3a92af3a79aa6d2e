// Package main is the listingwatch entrypoint.
//
// Subcommands:
//   - serve: restore the registry, replay undelivered notifications, crawl on
//     a cron schedule and expose the query API plus /metrics.
//   - crawl [--strict]: run one cycle and exit.
//   - query add|remove|list: manage the registry from the shell.
//
// Configuration comes from --config and LISTINGWATCH_* environment variables.
package main

import "github.com/JakeFAU/listingwatch/cmd"

func main() {
	cmd.Execute()
}
