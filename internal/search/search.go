// Package search wraps the web search provider behind a cached gateway.
// Search trouble never fails the workflow; it surfaces as a degraded response
// with empty results.
package search

import "context"

// DefaultMaxResults applies when the caller passes a non-positive limit.
const DefaultMaxResults = 5

// Result is one ranked search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Response carries the hits for one query. Degraded marks a response produced
// without a working provider.
type Response struct {
	Results  []Result
	Degraded bool
}

// Provider executes one web search.
type Provider interface {
	// Search returns ranked hits for the query.
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
	// Configured reports whether the provider has credentials to run.
	Configured() bool
}
