// Package pageurl reads and rewrites the page number carried in a listing URL.
package pageurl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Param is the query parameter holding the 1-based page number.
const Param = "page"

// PageNumber returns the page encoded in rawURL. A URL without the parameter
// is page 1.
func PageNumber(rawURL string) (int, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	v := strings.TrimSpace(parsed.Query().Get(Param))
	if v == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("pageurl: invalid %s=%q: %w", Param, v, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("pageurl: invalid %s=%d", Param, n)
	}
	return n, nil
}

// WithPage returns rawURL with its page parameter set to page.
func WithPage(rawURL string, page int) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	q.Set(Param, strconv.Itoa(page))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// BaseURL strips the page parameter and fragment so two pages of the same
// listing compare equal.
func BaseURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	q.Del(Param)
	parsed.RawQuery = q.Encode()
	parsed.Fragment = ""
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// Matches reports whether rawURL contains filter, case-insensitively. An empty
// filter matches everything.
func Matches(rawURL, filter string) bool {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(rawURL), filter)
}
