package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/obsidianstack/alertflow/agent/internal/config"
)

type promScraper struct {
	src    config.Source
	client *http.Client
}

// Scrape fetches the source's text exposition. A failed fetch is reported
// in ScrapeResult.Err, not as an error, so that the caller can still mark
// the source's alarms as lacking data.
func (s *promScraper) Scrape(ctx context.Context) (*ScrapeResult, error) {
	res := newResult(s.src.ID)

	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		res.Err = fmt.Errorf("prometheus scrape %q: %w", s.src.ID, err)
		slog.Warn("scraper: prometheus fetch failed", "source", s.src.ID, "err", err)
		return res, nil
	}
	res.Families = mfs
	slog.Debug("scraper: fetched", "source", s.src.ID, "families", len(mfs))
	return res, nil
}
