// Package notify posts session completion messages to an ntfy-style endpoint.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Notifier posts plain-text messages to one endpoint. A Notifier with an
// empty endpoint does nothing.
type Notifier struct {
	client   *http.Client
	endpoint string
	title    string
}

func New(client *http.Client, endpoint, title string) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Notifier{client: client, endpoint: strings.TrimSpace(endpoint), title: title}
}

// Enabled reports whether an endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.endpoint != ""
}

// Notify posts message with the configured title. It is a no-op when the
// notifier is disabled.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	if !n.Enabled() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if n.title != "" {
		req.Header.Set("Title", n.title)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", n.endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify: endpoint answered %d", resp.StatusCode)
	}
	return nil
}
