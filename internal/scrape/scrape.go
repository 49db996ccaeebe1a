// Package scrape turns a loaded page into records.
package scrape

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// Page identifies a loaded document inside a browser target.
type Page struct {
	TargetID string
	URL      string
}

// Scraper extracts the records of one page. An empty result is valid.
type Scraper interface {
	Scrape(ctx context.Context, page Page) ([]types.Record, error)
}

// HTMLSource returns the rendered document of a target.
type HTMLSource interface {
	OuterHTML(ctx context.Context, targetID string) (string, error)
}

// TableScraper reads a page's HTML and parses its first table.
type TableScraper struct {
	source  HTMLSource
	columns []ColumnSpec
}

// NewTableScraper returns a scraper over source. With no column specs every
// header cell becomes a text column.
func NewTableScraper(source HTMLSource, columns []ColumnSpec) *TableScraper {
	return &TableScraper{source: source, columns: columns}
}

func (s *TableScraper) Scrape(ctx context.Context, page Page) ([]types.Record, error) {
	html, err := s.source.OuterHTML(ctx, page.TargetID)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", page.TargetID, err)
	}
	records, err := ParseTable(html, page.URL, s.columns)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", page.TargetID, err)
	}
	slog.Debug("scraped page", "target_id", page.TargetID, "url", page.URL, "records", len(records))
	return records, nil
}

// Release drops any per-target state the HTML source keeps.
func (s *TableScraper) Release(targetID string) {
	if r, ok := s.source.(interface{ Release(string) }); ok {
		r.Release(targetID)
	}
}
