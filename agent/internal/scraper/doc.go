// Package scraper fetches Prometheus text expositions from the agent's
// sources and returns them as parsed metric families. ScrapeResult.Values
// selects series by family name and label subset for the compute engine.
//
// Authentication (mTLS, API key, bearer token, basic) is handled by the
// authRoundTripper in base.go; scrapers receive a pre-configured
// *http.Client from New().
package scraper
