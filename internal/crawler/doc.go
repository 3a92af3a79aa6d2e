// Package crawler implements the incremental listing crawl engine: the query
// registry, result-page traversal with new-listing detection, and the
// periodic crawl cycle that records each query's fresh listings.
package crawler
