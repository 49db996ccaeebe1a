package scrape

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// ColumnSpec selects one output column. Header names the table column the
// value is read from. With LinkSelector set, the value is the comma-joined
// absolute hrefs of matching anchors in that cell, plus URLs found in the
// onclick handlers of matching buttons.
type ColumnSpec struct {
	Name         string
	Header       string
	LinkSelector string
	LinkContains string
}

var onclickURLRe = regexp.MustCompile(`https?://[^'"\)\s]+`)

// ParseColumnSpecs parses "Name;Website=Name|a[aria-label='website url']".
// Entries are separated by ';'. "Out=Header" reads another header's text and
// "Out=Header|selector" reads links. A selector may be followed by "~substr"
// to keep only links containing substr.
func ParseColumnSpecs(raw string) ([]ColumnSpec, error) {
	var specs []ColumnSpec
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, hasSource := strings.Cut(entry, "=")
		spec := ColumnSpec{Name: strings.TrimSpace(name), Header: strings.TrimSpace(name)}
		if hasSource {
			header, selector, hasSelector := strings.Cut(rest, "|")
			spec.Header = strings.TrimSpace(header)
			if hasSelector {
				sel, contains, _ := strings.Cut(selector, "~")
				spec.LinkSelector = strings.TrimSpace(sel)
				spec.LinkContains = strings.TrimSpace(contains)
				if spec.LinkSelector == "" {
					return nil, fmt.Errorf("column %q: empty link selector", spec.Name)
				}
			}
		}
		if spec.Name == "" || spec.Header == "" {
			return nil, fmt.Errorf("invalid column spec %q", entry)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseTable extracts records from the first <table> of rawHTML. The first
// row is the header. A page without a table yields no records.
func ParseTable(rawHTML, pageURL string, columns []ColumnSpec) ([]types.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return []types.Record{}, nil
	}
	rows := table.Find("tr")
	if rows.Length() == 0 {
		return []types.Record{}, nil
	}

	var headers []string
	rows.First().Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, cellText(cell))
	})
	if len(columns) == 0 {
		columns = make([]ColumnSpec, 0, len(headers))
		for _, h := range headers {
			columns = append(columns, ColumnSpec{Name: h, Header: h})
		}
	}
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}

	records := make([]types.Record, 0, rows.Length()-1)
	rows.Slice(1, goquery.ToEnd).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		values := make([]string, len(columns))
		for i, col := range columns {
			idx := indexOf(headers, col.Header)
			if idx < 0 || idx >= cells.Length() {
				continue
			}
			cell := cells.Eq(idx)
			if col.LinkSelector != "" {
				values[i] = strings.Join(cellLinks(cell, col, base), ",")
			} else {
				values[i] = cellText(cell)
			}
		}
		records = append(records, types.NewRecord(names, values))
	})
	return records, nil
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}

func cellLinks(cell *goquery.Selection, col ColumnSpec, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	add := func(href string) {
		if base != nil {
			if resolved, err := base.Parse(href); err == nil {
				href = resolved.String()
			}
		}
		if col.LinkContains != "" && !strings.Contains(href, col.LinkContains) {
			return
		}
		if _, ok := seen[href]; ok {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	}

	cell.Find(col.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			add(href)
			return
		}
		if onclick, ok := s.Attr("onclick"); ok {
			for _, m := range onclickURLRe.FindAllString(onclick, -1) {
				add(m)
			}
		}
	})
	return links
}

func indexOf(items []string, want string) int {
	for i, item := range items {
		if item == want {
			return i
		}
	}
	return -1
}
