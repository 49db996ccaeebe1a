// Package coordinator runs multi-page scraping sessions. A Coordinator
// scrapes the page already loaded in its owner tab, asks the worker manager
// for each following page, checkpoints progress before every request, and
// exports the collected records when the range is done.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/checkpoint"
	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/pageurl"
	"github.com/dgnsrekt/pagetrawl/internal/scrape"
	"github.com/dgnsrekt/pagetrawl/internal/storage"
	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/dgnsrekt/pagetrawl/internal/workertab"
)

// MaxPageCount is the largest page range a session may request.
const MaxPageCount = 50

// Workers is the part of the worker manager a coordinator drives.
type Workers interface {
	CreateWorker(ctx context.Context, ownerID, targetURL string) (types.WorkerTab, error)
	CleanupGroup(ctx context.Context, ownerID string) error
	Subscribe(ownerID string) <-chan workertab.Event
	Unsubscribe(ownerID string)
}

// TabLocator returns the current state of the owner tab.
type TabLocator interface {
	Tab(ctx context.Context, targetID string) (types.TabInfo, error)
}

// Exporter pushes records to the sheet sink.
type Exporter interface {
	Enabled() bool
	ExportRecords(ctx context.Context, records []types.Record, columns []string, opts export.Options) (export.Response, error)
}

// Publisher receives session events.
type Publisher interface {
	PublishJSON(feed, owner string, v any)
}

// Notifier receives a message when a session ends.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type Config struct {
	MaxPages            int
	ResumeWindow        time.Duration // checkpoints older than this are stale
	WorkerResultTimeout time.Duration
	StopOnEmptyPage     bool
	AutoExport          bool
	ExportOptions       export.Options
	SideEffectTimeout   time.Duration // bound on cleanup, export and notify after a run ends
}

func DefaultConfig() Config {
	return Config{
		MaxPages:            MaxPageCount,
		ResumeWindow:        5 * time.Minute,
		WorkerResultTimeout: 90 * time.Second,
		SideEffectTimeout:   60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPages <= 0 || c.MaxPages > MaxPageCount {
		c.MaxPages = d.MaxPages
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = d.ResumeWindow
	}
	if c.WorkerResultTimeout <= 0 {
		c.WorkerResultTimeout = d.WorkerResultTimeout
	}
	if c.SideEffectTimeout <= 0 {
		c.SideEffectTimeout = d.SideEffectTimeout
	}
	return c
}

// Deps are the collaborators of a coordinator. Backup, Exporter, Events and
// Notifier are optional.
type Deps struct {
	Tabs     TabLocator
	Scraper  scrape.Scraper
	Workers  Workers
	Store    checkpoint.Store
	Backup   checkpoint.Backup
	Exporter Exporter
	Events   Publisher
	Notifier Notifier
	Now      func() time.Time
}

var errSuperseded = errors.New("coordinator: run superseded")

// Coordinator owns the single session of one owner tab.
type Coordinator struct {
	ownerID string
	cfg     Config
	deps    Deps

	// opMu serializes Start, Resume and Cancel so a new run never overlaps
	// the teardown of the previous one.
	opMu sync.Mutex

	mu        sync.Mutex
	session   Session
	awaiting  int // page the outstanding worker was asked for, 0 if none
	lastEmpty bool
	runID     uint64
	cancelRun context.CancelFunc
	done      chan struct{}
	progress  chan error
}

func New(ownerID string, cfg Config, deps Deps) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	done := make(chan struct{})
	close(done)
	return &Coordinator{
		ownerID: ownerID,
		cfg:     cfg.withDefaults(),
		deps:    deps,
		session: Session{OwnerID: ownerID, Status: StatusIdle},
		done:    done,
	}
}

func (c *Coordinator) OwnerID() string { return c.ownerID }

// Snapshot returns a copy of the session.
func (c *Coordinator) Snapshot(withRecords bool) Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone(withRecords)
}

// Records returns the accumulated records and their column set.
func (c *Coordinator) Records() ([]types.Record, []string) {
	s := c.Snapshot(true)
	return s.Records, s.Columns
}

// Start begins a session of pageCount pages at the page loaded in the owner
// tab.
func (c *Coordinator) Start(ctx context.Context, pageCount int) (Session, error) {
	if pageCount < 1 || pageCount > c.cfg.MaxPages {
		return Session{}, types.NewError(types.CodeValidation,
			fmt.Sprintf("page count must be between 1 and %d, got %d", c.cfg.MaxPages, pageCount), nil)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.awaitIdle(ctx); err != nil {
		return Session{}, err
	}

	tab, err := c.deps.Tabs.Tab(ctx, c.ownerID)
	if err != nil {
		return Session{}, err
	}
	startPage, err := pageurl.PageNumber(tab.URL)
	if err != nil {
		return Session{}, types.NewError(types.CodeValidation, "owner tab url has no usable page number", err)
	}
	base, err := pageurl.BaseURL(tab.URL)
	if err != nil {
		return Session{}, types.NewError(types.CodeValidation, "owner tab url is invalid", err)
	}
	c.removeBackup()

	c.mu.Lock()
	now := c.deps.Now().UTC()
	c.session = Session{
		OwnerID:     c.ownerID,
		Status:      StatusInitializing,
		StartPage:   startPage,
		CurrentPage: startPage - 1,
		EndPage:     startPage + pageCount - 1,
		BaseURL:     base,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.awaiting = 0
	c.lastEmpty = false
	if err := c.persistLocked(ctx); err != nil {
		c.session.Status = StatusFailed
		c.session.Failure = err.Error()
		c.mu.Unlock()
		slog.Error("initial checkpoint failed", "owner_id", c.ownerID, "error", err)
		return Session{}, fmt.Errorf("initial checkpoint: %w", err)
	}
	snap := c.launchLocked(tab)
	c.mu.Unlock()

	slog.Info("session started", "owner_id", c.ownerID, "start_page", snap.StartPage, "end_page", snap.EndPage)
	c.publish("started", snap)
	return snap, nil
}

// Resume continues a checkpointed session at the page loaded in the owner
// tab. The checkpoint is accepted only for the same listing, within the
// resume window, and when the tab shows the page after the checkpointed one.
// Anything else discards the checkpoint.
func (c *Coordinator) Resume(ctx context.Context) (Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.awaitIdle(ctx); err != nil {
		return Session{}, err
	}
	if c.deps.Store == nil {
		return Session{}, types.NewError(types.CodeCheckpointMissing, "no checkpoint store configured", nil)
	}

	cp, ok, err := c.deps.Store.Get(ctx, c.ownerID)
	if err != nil {
		return Session{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok {
		return Session{}, types.NewError(types.CodeCheckpointMissing, "no checkpoint for "+c.ownerID, nil)
	}

	tab, err := c.deps.Tabs.Tab(ctx, c.ownerID)
	if err != nil {
		return Session{}, err
	}
	if reason := c.staleReason(cp, tab.URL); reason != "" {
		c.discardCheckpoint(ctx)
		slog.Info("stale checkpoint discarded", "owner_id", c.ownerID, "reason", reason)
		return Session{}, types.NewError(types.CodeStaleCheckpoint, reason, nil)
	}
	records, err := checkpoint.Restore(cp, c.deps.Backup)
	if err != nil {
		c.discardCheckpoint(ctx)
		slog.Warn("checkpoint records unavailable", "owner_id", c.ownerID, "error", err)
		return Session{}, types.NewError(types.CodeStaleCheckpoint, "checkpoint records unavailable", err)
	}

	c.mu.Lock()
	now := c.deps.Now().UTC()
	c.session = Session{
		OwnerID:     c.ownerID,
		Status:      StatusInitializing,
		StartPage:   cp.StartPage,
		CurrentPage: cp.CurrentPage,
		EndPage:     cp.EndPage,
		BaseURL:     cp.BaseURL,
		Columns:     append([]string(nil), cp.Columns...),
		Records:     append([]types.Record(nil), records...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(c.session.Columns) == 0 && len(records) > 0 {
		c.session.Columns = records[0].Columns()
	}
	c.awaiting = 0
	c.lastEmpty = false
	snap := c.launchLocked(tab)
	c.mu.Unlock()

	slog.Info("session resumed", "owner_id", c.ownerID, "page", cp.CurrentPage+1,
		"end_page", cp.EndPage, "records", len(records), "minimal", cp.IsMinimal)
	c.publish("resumed", snap)
	return snap, nil
}

func (c *Coordinator) staleReason(cp checkpoint.Checkpoint, tabURL string) string {
	base, err := pageurl.BaseURL(tabURL)
	if err != nil || base != cp.BaseURL {
		return "checkpoint belongs to a different listing"
	}
	if age := cp.Age(c.deps.Now()); age >= c.cfg.ResumeWindow {
		return fmt.Sprintf("checkpoint is %s old", age.Round(time.Second))
	}
	page, err := pageurl.PageNumber(tabURL)
	if err != nil || page != cp.CurrentPage+1 {
		return fmt.Sprintf("tab shows page %d, checkpoint expects %d", page, cp.CurrentPage+1)
	}
	if page > cp.EndPage {
		return "checkpoint range already finished"
	}
	return ""
}

// Cancel stops the session, discards its checkpoint and tears down its
// workers. Collected records are kept. Cancelling an ended session only
// clears leftovers.
func (c *Coordinator) Cancel(ctx context.Context) (Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	wasActive := c.session.Status.Active()
	if wasActive {
		c.session.Status = StatusCancelled
		c.session.UpdatedAt = c.deps.Now().UTC()
		c.awaiting = 0
		c.deps.Workers.Unsubscribe(c.ownerID)
	}
	cancel, done := c.cancelRun, c.done
	snap := c.session.clone(false)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("cancel did not wait for run to stop", "owner_id", c.ownerID, "error", ctx.Err())
	}

	if err := c.deps.Workers.CleanupGroup(ctx, c.ownerID); err != nil {
		slog.Warn("worker cleanup after cancel failed", "owner_id", c.ownerID, "error", err)
	}
	c.discardCheckpoint(ctx)

	if wasActive {
		slog.Info("session cancelled", "owner_id", c.ownerID, "current_page", snap.CurrentPage, "records", snap.RecordCount)
		c.publish("cancelled", snap)
	}
	return snap, nil
}

// ReceiveWorkerResult merges the records of pageNumber. Results for any page
// other than the one currently awaited are dropped and reported as not
// accepted.
func (c *Coordinator) ReceiveWorkerResult(ctx context.Context, records []types.Record, pageNumber int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Status != StatusAwaitingWorker || c.awaiting != pageNumber || pageNumber != c.session.CurrentPage+1 {
		slog.Debug("worker result dropped", "owner_id", c.ownerID, "page", pageNumber,
			"status", c.session.Status, "awaiting", c.awaiting)
		return false, nil
	}

	c.session.merge(records)
	c.session.CurrentPage = pageNumber
	c.session.UpdatedAt = c.deps.Now().UTC()
	c.awaiting = 0
	c.lastEmpty = len(records) == 0
	err := c.persistLocked(ctx)
	if err != nil {
		err = fmt.Errorf("checkpoint page %d: %w", pageNumber, err)
	}

	select {
	case c.progress <- err:
	default:
	}
	slog.Info("worker page merged", "owner_id", c.ownerID, "page", pageNumber,
		"records", len(records), "total", len(c.session.Records))
	c.publish("page", c.session.clone(false))
	return true, err
}

// Export sends the collected records of an ended session to the sink.
func (c *Coordinator) Export(ctx context.Context, opts export.Options) (export.Response, error) {
	c.mu.Lock()
	status := c.session.Status
	records := append([]types.Record(nil), c.session.Records...)
	columns := append([]string(nil), c.session.Columns...)
	c.mu.Unlock()

	switch {
	case status.Active():
		return export.Response{}, types.NewError(types.CodeSessionBusy, "session still running", nil)
	case !status.Terminal():
		return export.Response{}, types.NewError(types.CodeSessionNotFound, "no session for "+c.ownerID, nil)
	}
	return c.export(ctx, records, columns, opts)
}

func (c *Coordinator) export(ctx context.Context, records []types.Record, columns []string, opts export.Options) (export.Response, error) {
	if c.deps.Exporter == nil || !c.deps.Exporter.Enabled() {
		return export.Response{}, types.NewError(types.CodeExportFailed, "no export sink configured", nil)
	}
	resp, err := c.deps.Exporter.ExportRecords(ctx, records, columns, opts)
	if err != nil {
		slog.Error("export failed", "owner_id", c.ownerID, "records", len(records), "error", err)
		return resp, err
	}

	c.mu.Lock()
	c.session.Exported = &resp
	c.session.UpdatedAt = c.deps.Now().UTC()
	snap := c.session.clone(false)
	c.mu.Unlock()
	c.publish("exported", snap)
	return resp, nil
}

// Wait blocks until the current run has stopped.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitIdle rejects an active session and waits out the teardown of an
// ended one.
func (c *Coordinator) awaitIdle(ctx context.Context) error {
	c.mu.Lock()
	active := c.session.Status.Active()
	done := c.done
	c.mu.Unlock()
	if active {
		return types.NewError(types.CodeSessionBusy, "session already running for "+c.ownerID, nil)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) launchLocked(tab types.TabInfo) Session {
	c.runID++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.done = make(chan struct{})
	c.progress = make(chan error, 1)
	events := c.deps.Workers.Subscribe(c.ownerID)
	go c.run(ctx, c.runID, tab, events, c.done, c.progress)
	return c.session.clone(false)
}

func (c *Coordinator) run(ctx context.Context, run uint64, tab types.TabInfo, events <-chan workertab.Event, done chan struct{}, progress <-chan error) {
	defer close(done)

	local, err := c.beginLocal(run)
	if err != nil {
		return
	}
	records, err := c.deps.Scraper.Scrape(ctx, scrape.Page{TargetID: tab.TargetID, URL: tab.URL})
	if err != nil {
		if ctx.Err() == nil {
			c.fail(run, fmt.Errorf("scrape page %d: %w", local, err))
		}
		return
	}
	if err := c.acceptLocal(ctx, run, local, records); err != nil {
		if !errors.Is(err, errSuperseded) {
			c.fail(run, err)
		}
		return
	}

	for {
		next, finished, err := c.nextPage(run)
		if err != nil {
			return
		}
		if finished {
			c.complete(run)
			return
		}
		workerURL, err := pageurl.WithPage(tab.URL, next)
		if err != nil {
			c.fail(run, types.NewError(types.CodeValidation, "build worker url", err))
			return
		}
		if err := c.beginAwait(run, next); err != nil {
			return
		}
		worker, err := c.deps.Workers.CreateWorker(ctx, c.ownerID, workerURL)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(run, err)
			}
			return
		}
		slog.Debug("worker requested", "owner_id", c.ownerID, "worker_id", worker.WorkerID, "page", next)

		if err := c.waitResult(ctx, next, events, progress); err != nil {
			if ctx.Err() == nil {
				c.fail(run, err)
			}
			return
		}
	}
}

func (c *Coordinator) waitResult(ctx context.Context, page int, events <-chan workertab.Event, progress <-chan error) error {
	timer := time.NewTimer(c.cfg.WorkerResultTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-progress:
			return err
		case ev, ok := <-events:
			if !ok {
				return errors.New("worker subscription closed")
			}
			switch ev.Kind {
			case workertab.EventResult:
				// Accepted results arrive on progress.
				_, _ = c.ReceiveWorkerResult(ctx, ev.Records, ev.PageNumber)
			case workertab.EventFailure:
				if ev.PageNumber != page {
					slog.Debug("stale worker failure ignored", "owner_id", c.ownerID, "page", ev.PageNumber)
					continue
				}
				if ev.Err == nil {
					return types.NewError(types.CodeWorkerCreation, fmt.Sprintf("worker for page %d failed", page), nil)
				}
				return ev.Err
			}
		case <-timer.C:
			return types.NewError(types.CodeWorkerCreation,
				fmt.Sprintf("no result for page %d within %s", page, c.cfg.WorkerResultTimeout), nil)
		}
	}
}

func (c *Coordinator) beginLocal(run uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run != c.runID || !c.session.Status.Active() {
		return 0, errSuperseded
	}
	c.session.Status = StatusScrapingLocal
	c.session.UpdatedAt = c.deps.Now().UTC()
	return c.session.CurrentPage + 1, nil
}

func (c *Coordinator) acceptLocal(ctx context.Context, run uint64, page int, records []types.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run != c.runID || !c.session.Status.Active() {
		return errSuperseded
	}
	c.session.merge(records)
	c.session.CurrentPage = page
	c.session.UpdatedAt = c.deps.Now().UTC()
	c.lastEmpty = len(records) == 0
	if err := c.persistLocked(ctx); err != nil {
		return fmt.Errorf("checkpoint page %d: %w", page, err)
	}
	slog.Info("local page scraped", "owner_id", c.ownerID, "page", page, "records", len(records))
	c.publish("page", c.session.clone(false))
	return nil
}

func (c *Coordinator) nextPage(run uint64) (next int, finished bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run != c.runID || !c.session.Status.Active() {
		return 0, false, errSuperseded
	}
	if c.session.CurrentPage >= c.session.EndPage {
		return 0, true, nil
	}
	if c.cfg.StopOnEmptyPage && c.lastEmpty {
		slog.Info("empty page ends session early", "owner_id", c.ownerID, "page", c.session.CurrentPage)
		return 0, true, nil
	}
	return c.session.CurrentPage + 1, false, nil
}

func (c *Coordinator) beginAwait(run uint64, page int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run != c.runID || !c.session.Status.Active() {
		return errSuperseded
	}
	c.session.Status = StatusAwaitingWorker
	c.session.UpdatedAt = c.deps.Now().UTC()
	c.awaiting = page
	return nil
}

func (c *Coordinator) complete(run uint64) {
	c.mu.Lock()
	if run != c.runID || !c.session.Status.Active() {
		c.mu.Unlock()
		return
	}
	c.session.Status = StatusCompleted
	c.session.UpdatedAt = c.deps.Now().UTC()
	c.awaiting = 0
	c.deps.Workers.Unsubscribe(c.ownerID)
	records := append([]types.Record(nil), c.session.Records...)
	columns := append([]string(nil), c.session.Columns...)
	snap := c.session.clone(false)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SideEffectTimeout)
	defer cancel()
	if err := c.deps.Workers.CleanupGroup(ctx, c.ownerID); err != nil {
		slog.Warn("worker cleanup after completion failed", "owner_id", c.ownerID, "error", err)
	}
	c.discardCheckpoint(ctx)
	slog.Info("session completed", "owner_id", c.ownerID, "start_page", snap.StartPage,
		"end_page", snap.CurrentPage, "records", len(records))
	c.publish("completed", snap)

	if c.cfg.AutoExport && c.deps.Exporter != nil && c.deps.Exporter.Enabled() {
		_, _ = c.export(ctx, records, columns, c.cfg.ExportOptions)
	}
	c.notify(ctx, fmt.Sprintf("pagetrawl %s: collected %d records from pages %d-%d",
		storage.ShortID(c.ownerID), len(records), snap.StartPage, snap.CurrentPage))
}

// fail ends the run with err. The checkpoint and records stay so the session
// can be inspected, exported or resumed.
func (c *Coordinator) fail(run uint64, err error) {
	c.mu.Lock()
	if run != c.runID || !c.session.Status.Active() {
		c.mu.Unlock()
		return
	}
	c.session.Status = StatusFailed
	c.session.Failure = err.Error()
	c.session.UpdatedAt = c.deps.Now().UTC()
	c.awaiting = 0
	c.deps.Workers.Unsubscribe(c.ownerID)
	snap := c.session.clone(false)
	c.mu.Unlock()

	slog.Error("session failed", "owner_id", c.ownerID, "page", snap.CurrentPage+1,
		"records", snap.RecordCount, "error", err)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SideEffectTimeout)
	defer cancel()
	if cerr := c.deps.Workers.CleanupGroup(ctx, c.ownerID); cerr != nil {
		slog.Warn("worker cleanup after failure failed", "owner_id", c.ownerID, "error", cerr)
	}
	c.publish("failed", snap)
	c.notify(ctx, fmt.Sprintf("pagetrawl %s: stopped at page %d with %d records: %v",
		storage.ShortID(c.ownerID), snap.CurrentPage+1, snap.RecordCount, err))
}

func (c *Coordinator) persistLocked(ctx context.Context) error {
	if c.deps.Store == nil {
		return nil
	}
	s := c.session
	return checkpoint.Persist(ctx, c.deps.Store, c.deps.Backup, checkpoint.Checkpoint{
		OwnerID:            c.ownerID,
		IsMultiPage:        true,
		StartPage:          s.StartPage,
		CurrentPage:        s.CurrentPage,
		EndPage:            s.EndPage,
		Columns:            append([]string(nil), s.Columns...),
		AccumulatedRecords: append([]types.Record{}, s.Records...),
		Timestamp:          c.deps.Now().UTC(),
		BaseURL:            s.BaseURL,
	})
}

func (c *Coordinator) discardCheckpoint(ctx context.Context) {
	if c.deps.Store != nil {
		if err := c.deps.Store.Delete(ctx, c.ownerID); err != nil {
			slog.Warn("checkpoint delete failed", "owner_id", c.ownerID, "error", err)
		}
	}
	c.removeBackup()
}

func (c *Coordinator) removeBackup() {
	if c.deps.Backup == nil {
		return
	}
	if err := c.deps.Backup.Remove(c.ownerID); err != nil {
		slog.Warn("record backup remove failed", "owner_id", c.ownerID, "error", err)
	}
}

func (c *Coordinator) publish(feed string, s Session) {
	if c.deps.Events == nil {
		return
	}
	c.deps.Events.PublishJSON(feed, c.ownerID, s)
}

func (c *Coordinator) notify(ctx context.Context, msg string) {
	if c.deps.Notifier == nil {
		return
	}
	if err := c.deps.Notifier.Notify(ctx, msg); err != nil {
		slog.Warn("session notification failed", "owner_id", c.ownerID, "error", err)
	}
}
