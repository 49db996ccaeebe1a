package coordinator

import (
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusInitializing   Status = "initializing"
	StatusScrapingLocal  Status = "scraping_local"
	StatusAwaitingWorker Status = "awaiting_worker"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
)

// Active reports whether a session in this state is still running.
func (s Status) Active() bool {
	switch s {
	case StatusInitializing, StatusScrapingLocal, StatusAwaitingWorker:
		return true
	}
	return false
}

// Terminal reports whether the session has ended.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Session is the state of one multi-page run for one owner tab.
type Session struct {
	OwnerID     string           `json:"owner_id"`
	Status      Status           `json:"status"`
	StartPage   int              `json:"start_page"`
	CurrentPage int              `json:"current_page"`
	EndPage     int              `json:"end_page"`
	BaseURL     string           `json:"base_url"`
	Columns     []string         `json:"columns,omitempty"`
	RecordCount int              `json:"record_count"`
	Records     []types.Record   `json:"records,omitempty"`
	Failure     string           `json:"failure,omitempty"`
	Exported    *export.Response `json:"exported,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// clone copies s so callers never share its slices.
func (s Session) clone(withRecords bool) Session {
	out := s
	out.Columns = append([]string(nil), s.Columns...)
	out.RecordCount = len(s.Records)
	out.Records = nil
	if withRecords {
		out.Records = append([]types.Record(nil), s.Records...)
	}
	if s.Exported != nil {
		e := *s.Exported
		out.Exported = &e
	}
	return out
}

// merge projects records onto the session's column set and appends them.
// The first non-empty page fixes the columns.
func (s *Session) merge(records []types.Record) {
	if len(records) == 0 {
		return
	}
	if len(s.Columns) == 0 {
		s.Columns = records[0].Columns()
	}
	for _, r := range records {
		s.Records = append(s.Records, types.NewRecord(s.Columns, r.Project(s.Columns)))
	}
}
