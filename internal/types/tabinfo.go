package types

import "time"

// TabInfo describes a primary browser tab that owns a scraping session.
type TabInfo struct {
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	ShortID  string `json:"short_id"`
}

// WorkerTab is the bookkeeping record for one ephemeral worker context.
type WorkerTab struct {
	WorkerID   string    `json:"worker_id"`
	OwnerID    string    `json:"owner_id"`
	TargetURL  string    `json:"target_url"`
	TargetID   string    `json:"target_id"`
	GroupID    string    `json:"group_id"`
	PageNumber int       `json:"page_number"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScrapingGroup groups every worker context of one session. BrowserContextID
// is the CDP browser context the member targets are opened in.
type ScrapingGroup struct {
	GroupID          string    `json:"group_id"`
	OwnerID          string    `json:"owner_id"`
	BrowserContextID string    `json:"browser_context_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
