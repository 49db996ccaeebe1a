package relay

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HeartbeatInterval is how often an idle stream gets a comment line, so
// proxies do not drop sessions that wait minutes for a worker page.
const HeartbeatInterval = 20 * time.Second

// SSEHandler returns an http.HandlerFunc that streams session events as SSE.
// Clients may filter event names via ?feeds=page,completed and a single
// owner tab via ?owner=<target id>.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return sseHandler(broker, HeartbeatInterval)
}

func sseHandler(broker *Broker, heartbeat time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		feeds := parseFeeds(r.URL.Query().Get("feeds"))
		owner := strings.TrimSpace(r.URL.Query().Get("owner"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		fmt.Fprintf(w, "retry: 3000\n\n")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if feeds != nil && !feeds[evt.Feed] {
					continue
				}
				if owner != "" && evt.Owner != owner {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Feed, evt.Payload)
				flusher.Flush()
			}
		}
	}
}

// parseFeeds returns nil for an empty filter, meaning every feed.
func parseFeeds(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	feeds := make(map[string]bool)
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			feeds[f] = true
		}
	}
	return feeds
}
