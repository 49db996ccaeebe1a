// Package controller maps owner tabs to their scraping coordinators and
// follows the lifecycle of those tabs.
package controller

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgnsrekt/pagetrawl/internal/cdp"
	"github.com/dgnsrekt/pagetrawl/internal/coordinator"
	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/pageurl"
	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// Tabs lists and looks up browser page targets.
type Tabs interface {
	ListTabs(ctx context.Context) ([]types.TabInfo, error)
	Tab(ctx context.Context, targetID string) (types.TabInfo, error)
}

// Workers is the worker manager as seen by the controller.
type Workers interface {
	coordinator.Workers
	IsWorker(targetID string) bool
}

// Watcher reports navigations of owner tabs.
type Watcher interface {
	Watch(targetID, url string, fn cdp.NavigateFunc) error
	Release(targetID string)
}

// Options configures a Service. Deps.Tabs and Deps.Workers are filled in
// from the Service's own collaborators.
type Options struct {
	Session   coordinator.Config
	Deps      coordinator.Deps
	TabFilter string
}

// TabSession is a primary tab together with the status of its session.
type TabSession struct {
	types.TabInfo
	Status        coordinator.Status `json:"status"`
	HasCheckpoint bool               `json:"has_checkpoint"`
}

// Service owns one coordinator per owner tab.
type Service struct {
	tabs    Tabs
	workers Workers
	watcher Watcher
	opts    Options

	mu     sync.Mutex
	coords map[string]*coordinator.Coordinator
}

func NewService(tabs Tabs, workers Workers, watcher Watcher, opts Options) *Service {
	opts.Deps.Tabs = tabs
	opts.Deps.Workers = workers
	return &Service{
		tabs:    tabs,
		workers: workers,
		watcher: watcher,
		opts:    opts,
		coords:  make(map[string]*coordinator.Coordinator),
	}
}

func (s *Service) requireOwner(ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", types.NewError(types.CodeValidation, "owner_id is required", nil)
	}
	if s.workers.IsWorker(ownerID) {
		return "", types.NewError(types.CodeValidation, "target is a worker tab: "+ownerID, nil)
	}
	return ownerID, nil
}

func (s *Service) lookup(ownerID string) (*coordinator.Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coords[ownerID]
	return c, ok
}

func (s *Service) coordinatorFor(ownerID string) *coordinator.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coords[ownerID]
	if !ok {
		c = coordinator.New(ownerID, s.opts.Session, s.opts.Deps)
		s.coords[ownerID] = c
	}
	return c
}

// ListTabs returns the primary tabs matching the URL filter. Worker targets
// are never listed.
func (s *Service) ListTabs(ctx context.Context) ([]TabSession, error) {
	tabs, err := s.tabs.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TabSession, 0, len(tabs))
	for _, tab := range tabs {
		if s.workers.IsWorker(tab.TargetID) {
			continue
		}
		ts := TabSession{TabInfo: tab, Status: coordinator.StatusIdle}
		if c, ok := s.lookup(tab.TargetID); ok {
			ts.Status = c.Snapshot(false).Status
		}
		if s.opts.Deps.Store != nil {
			if _, ok, err := s.opts.Deps.Store.Get(ctx, tab.TargetID); err == nil && ok {
				ts.HasCheckpoint = true
			}
		}
		out = append(out, ts)
	}
	return out, nil
}

// Start begins a session of pageCount pages in ownerID.
func (s *Service) Start(ctx context.Context, ownerID string, pageCount int) (coordinator.Session, error) {
	ownerID, err := s.requireOwner(ownerID)
	if err != nil {
		return coordinator.Session{}, err
	}
	sess, err := s.coordinatorFor(ownerID).Start(ctx, pageCount)
	if err != nil {
		return sess, err
	}
	s.watch(ownerID, sess.BaseURL)
	return sess, nil
}

// Resume continues ownerID's session from its checkpoint.
func (s *Service) Resume(ctx context.Context, ownerID string) (coordinator.Session, error) {
	ownerID, err := s.requireOwner(ownerID)
	if err != nil {
		return coordinator.Session{}, err
	}
	sess, err := s.coordinatorFor(ownerID).Resume(ctx)
	if err != nil {
		return sess, err
	}
	s.watch(ownerID, sess.BaseURL)
	return sess, nil
}

// Cancel stops ownerID's session. Collected records stay available.
func (s *Service) Cancel(ctx context.Context, ownerID string) (coordinator.Session, error) {
	c, err := s.existing(ownerID)
	if err != nil {
		return coordinator.Session{}, err
	}
	return c.Cancel(ctx)
}

// Session returns a snapshot of ownerID's session.
func (s *Service) Session(ownerID string, withRecords bool) (coordinator.Session, error) {
	c, err := s.existing(ownerID)
	if err != nil {
		return coordinator.Session{}, err
	}
	return c.Snapshot(withRecords), nil
}

// Export sends ownerID's records to the sheet sink.
func (s *Service) Export(ctx context.Context, ownerID string, opts export.Options) (export.Response, error) {
	c, err := s.existing(ownerID)
	if err != nil {
		return export.Response{}, err
	}
	return c.Export(ctx, opts)
}

// RecordsCSV writes ownerID's records as CSV with a header row.
func (s *Service) RecordsCSV(ownerID string, w io.Writer) error {
	c, err := s.existing(ownerID)
	if err != nil {
		return err
	}
	records, columns := c.Records()
	return export.WriteCSV(w, records, columns)
}

func (s *Service) existing(ownerID string) (*coordinator.Coordinator, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, types.NewError(types.CodeValidation, "owner_id is required", nil)
	}
	c, ok := s.lookup(ownerID)
	if !ok {
		return nil, types.NewError(types.CodeSessionNotFound, "no session for "+ownerID, nil)
	}
	return c, nil
}

// ForgetTab drops everything held for ownerID: the running session, its
// workers, its checkpoint and its record backup.
func (s *Service) ForgetTab(ctx context.Context, ownerID string) {
	s.mu.Lock()
	c, ok := s.coords[ownerID]
	delete(s.coords, ownerID)
	s.mu.Unlock()

	if ok {
		if _, err := c.Cancel(ctx); err != nil {
			slog.Warn("cancel on forget failed", "owner_id", ownerID, "error", err)
		}
	} else {
		if s.opts.Deps.Store != nil {
			if err := s.opts.Deps.Store.Delete(ctx, ownerID); err != nil {
				slog.Warn("checkpoint delete on forget failed", "owner_id", ownerID, "error", err)
			}
		}
		if s.opts.Deps.Backup != nil {
			if err := s.opts.Deps.Backup.Remove(ownerID); err != nil {
				slog.Warn("backup remove on forget failed", "owner_id", ownerID, "error", err)
			}
		}
	}
	if f, ok := s.opts.Deps.Events.(interface{ Forget(owner string) }); ok {
		f.Forget(ownerID)
	}
	if s.watcher != nil {
		s.watcher.Release(ownerID)
	}
	slog.Info("tab forgotten", "owner_id", ownerID)
}

// ResumeAll resumes every listed tab that still has a checkpoint. Stale
// checkpoints are discarded by the coordinator and only logged here.
func (s *Service) ResumeAll(ctx context.Context) int {
	if s.opts.Deps.Store == nil {
		return 0
	}
	tabs, err := s.tabs.ListTabs(ctx)
	if err != nil {
		slog.Warn("resume scan failed", "error", err)
		return 0
	}
	resumed := 0
	for _, tab := range tabs {
		if s.workers.IsWorker(tab.TargetID) {
			continue
		}
		if _, ok, err := s.opts.Deps.Store.Get(ctx, tab.TargetID); err != nil || !ok {
			continue
		}
		if _, err := s.Resume(ctx, tab.TargetID); err != nil {
			if types.HasCode(err, types.CodeStaleCheckpoint) || types.HasCode(err, types.CodeSessionBusy) {
				slog.Info("checkpoint not resumed", "owner_id", tab.TargetID, "error", err)
			} else {
				slog.Warn("resume failed", "owner_id", tab.TargetID, "error", err)
			}
			continue
		}
		resumed++
	}
	return resumed
}

// Sweep forgets owners whose tab has closed or has left the listing.
func (s *Service) Sweep(ctx context.Context) int {
	s.mu.Lock()
	owners := make([]string, 0, len(s.coords))
	for id := range s.coords {
		owners = append(owners, id)
	}
	s.mu.Unlock()

	forgotten := 0
	for _, ownerID := range owners {
		tab, err := s.tabs.Tab(ctx, ownerID)
		switch {
		case types.HasCode(err, types.CodeTabNotFound):
		case err != nil:
			slog.Debug("sweep lookup failed", "owner_id", ownerID, "error", err)
			continue
		case pageurl.Matches(tab.URL, s.opts.TabFilter):
			continue
		}
		s.ForgetTab(ctx, ownerID)
		forgotten++
	}
	return forgotten
}

func (s *Service) watch(ownerID, url string) {
	if s.watcher == nil {
		return
	}
	err := s.watcher.Watch(ownerID, url, func(targetID, newURL string) {
		if pageurl.Matches(newURL, s.opts.TabFilter) {
			return
		}
		slog.Info("owner tab left listing", "owner_id", targetID, "url", newURL)
		go s.ForgetTab(context.Background(), targetID)
	})
	if err != nil {
		slog.Warn("tab watch failed", "owner_id", ownerID, "error", err)
	}
}

// Wait blocks until ownerID's current run has stopped.
func (s *Service) Wait(ctx context.Context, ownerID string) error {
	c, err := s.existing(ownerID)
	if err != nil {
		return err
	}
	return c.Wait(ctx)
}
