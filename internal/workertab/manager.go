// Package workertab owns the ephemeral worker targets that load follow-up
// pages of a scraping session. All bookkeeping lives on one goroutine; callers
// talk to it through request envelopes.
package workertab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/pageurl"
	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var errClosed = errors.New("workertab: manager closed")

// Browser opens and closes worker targets. A group is a browser context that
// holds every worker of one session.
type Browser interface {
	NewGroup(ctx context.Context) (string, error)
	DisposeGroup(ctx context.Context, browserContextID string) error
	OpenTab(ctx context.Context, url, browserContextID string) (string, error)
	CloseTab(ctx context.Context, targetID string) error
}

// Instruction tells a worker which page to scrape and for whom.
type Instruction struct {
	WorkerID   string
	OwnerID    string
	TargetID   string
	TargetURL  string
	PageNumber int
}

// Deliverer hands an instruction to the worker context. It returns a
// TRANSIENT_DELIVERY error while the context is not ready to receive it.
type Deliverer interface {
	Deliver(ctx context.Context, in Instruction) error
}

// EventKind distinguishes results from failures on a subscription.
type EventKind int

const (
	EventResult EventKind = iota + 1
	EventFailure
)

// Event is sent to the owner's subscription.
type Event struct {
	Kind       EventKind
	OwnerID    string
	WorkerID   string
	PageNumber int
	Records    []types.Record
	Err        error
}

// Result is the outcome a worker reports for its page.
type Result struct {
	WorkerID   string
	OwnerID    string
	PageNumber int
	Records    []types.Record
}

// Options tunes timing. Zero values take the defaults.
type Options struct {
	GraceDelay  time.Duration // wait after opening a target before dispatch
	MaxAttempts int
	BackoffStep time.Duration // attempt n waits n*BackoffStep before the next
	SpawnRate   rate.Limit    // 0 means unlimited
	SpawnBurst  int
	CallTimeout time.Duration // bound on each browser call
}

func (o Options) withDefaults() Options {
	if o.GraceDelay < 0 {
		o.GraceDelay = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffStep <= 0 {
		o.BackoffStep = 2 * time.Second
	}
	if o.SpawnRate == 0 {
		o.SpawnRate = rate.Inf
	}
	if o.SpawnBurst <= 0 {
		o.SpawnBurst = 1
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	return o
}

// DefaultOptions mirrors the timings of the browser-extension workflow.
func DefaultOptions() Options {
	return Options{
		GraceDelay:  5 * time.Second,
		MaxAttempts: 3,
		BackoffStep: 2 * time.Second,
		SpawnRate:   rate.Every(time.Second),
		SpawnBurst:  1,
	}
}

type envelope struct {
	id    uint64
	op    string
	apply func(s *state) any
	reply chan any
}

type state struct {
	workers map[string]*types.WorkerTab     // by worker id
	groups  map[string]*types.ScrapingGroup // by owner id
	subs    map[string]chan Event           // by owner id
}

type Manager struct {
	browser   Browser
	delivMu   sync.RWMutex
	deliverer Deliverer
	opts      Options
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error

	inbox chan envelope
	seq   atomic.Uint64

	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	st state
}

// NewManager starts the manager loop. Call Close to stop it.
func NewManager(browser Browser, deliverer Deliverer, opts Options) *Manager {
	opts = opts.withDefaults()
	runCtx, runCancel := context.WithCancel(context.Background())
	m := &Manager{
		browser:   browser,
		deliverer: deliverer,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.SpawnRate, opts.SpawnBurst),
		sleep:     sleepCtx,
		inbox:     make(chan envelope),
		runCtx:    runCtx,
		runCancel: runCancel,
		loopDone:  make(chan struct{}),
		st: state{
			workers: make(map[string]*types.WorkerTab),
			groups:  make(map[string]*types.ScrapingGroup),
			subs:    make(map[string]chan Event),
		},
	}
	go m.loop()
	return m
}

// SetDeliverer wires the delivery side after construction, for deliverers
// that need the manager themselves.
func (m *Manager) SetDeliverer(d Deliverer) {
	m.delivMu.Lock()
	m.deliverer = d
	m.delivMu.Unlock()
}

func (m *Manager) currentDeliverer() Deliverer {
	m.delivMu.RLock()
	defer m.delivMu.RUnlock()
	return m.deliverer
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case env := <-m.inbox:
			env.reply <- env.apply(&m.st)
		case <-m.runCtx.Done():
			return
		}
	}
}

// ask runs fn on the manager goroutine and returns its result.
func ask[T any](ctx context.Context, m *Manager, op string, fn func(s *state) T) (T, error) {
	var zero T
	env := envelope{
		id:    m.seq.Add(1),
		op:    op,
		apply: func(s *state) any { return fn(s) },
		reply: make(chan any, 1),
	}
	select {
	case m.inbox <- env:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.loopDone:
		return zero, errClosed
	}
	select {
	case v := <-env.reply:
		return v.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.loopDone:
		return zero, errClosed
	}
}

// Subscribe registers the owner's event channel, replacing any previous one.
func (m *Manager) Subscribe(ownerID string) <-chan Event {
	ch := make(chan Event, 16)
	_, err := ask(context.Background(), m, "subscribe", func(s *state) struct{} {
		s.subs[ownerID] = ch
		return struct{}{}
	})
	if err != nil {
		close(ch)
	}
	return ch
}

func (m *Manager) Unsubscribe(ownerID string) {
	_, _ = ask(context.Background(), m, "unsubscribe", func(s *state) struct{} {
		delete(s.subs, ownerID)
		return struct{}{}
	})
}

// CreateWorker opens a background target at targetURL in the owner's group,
// creating the group on first use, and schedules instruction dispatch once
// the page has had time to load.
func (m *Manager) CreateWorker(ctx context.Context, ownerID, targetURL string) (types.WorkerTab, error) {
	page, err := pageurl.PageNumber(targetURL)
	if err != nil {
		return types.WorkerTab{}, types.NewError(types.CodeValidation, "invalid worker url", err)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return types.WorkerTab{}, err
	}

	group, err := m.ensureGroup(ctx, ownerID)
	if err != nil {
		return types.WorkerTab{}, types.NewError(types.CodeWorkerCreation, "create scraping group failed", err)
	}

	// A session runs one worker at a time; anything still registered for
	// the owner is left over from an abandoned page.
	stale, err := ask(ctx, m, "reapStale", func(s *state) []string {
		var targets []string
		for id, w := range s.workers {
			if w.OwnerID == ownerID {
				targets = append(targets, w.TargetID)
				delete(s.workers, id)
			}
		}
		return targets
	})
	if err != nil {
		return types.WorkerTab{}, types.NewError(types.CodeWorkerCreation, "reap stale workers failed", err)
	}
	for _, targetID := range stale {
		slog.Warn("closing stale worker before next page", "owner_id", ownerID, "target_id", targetID, "page", page)
		_ = m.closeTabCtx(ctx, targetID)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	targetID, err := m.browser.OpenTab(callCtx, targetURL, group.BrowserContextID)
	cancel()
	if err != nil {
		slog.Error("worker tab open failed", "owner_id", ownerID, "page", page, "error", err)
		return types.WorkerTab{}, types.NewError(types.CodeWorkerCreation, "open worker tab failed", err)
	}

	worker := types.WorkerTab{
		WorkerID:   uuid.NewString(),
		OwnerID:    ownerID,
		TargetURL:  targetURL,
		TargetID:   targetID,
		GroupID:    group.GroupID,
		PageNumber: page,
		CreatedAt:  time.Now().UTC(),
	}
	accepted, err := ask(ctx, m, "registerWorker", func(s *state) bool {
		g, ok := s.groups[ownerID]
		if !ok || g.GroupID != group.GroupID {
			return false
		}
		w := worker
		s.workers[w.WorkerID] = &w
		m.wg.Add(1)
		go m.runDispatch(w)
		return true
	})
	if err != nil || !accepted {
		m.closeTab(targetID)
		if err == nil {
			err = fmt.Errorf("group for %s was cleaned up", ownerID)
		}
		return types.WorkerTab{}, types.NewError(types.CodeWorkerCreation, "register worker failed", err)
	}

	slog.Info("worker tab created", "owner_id", ownerID, "worker_id", worker.WorkerID,
		"target_id", targetID, "group_id", group.GroupID, "page", page)
	return worker, nil
}

func (m *Manager) ensureGroup(ctx context.Context, ownerID string) (types.ScrapingGroup, error) {
	existing, err := ask(ctx, m, "lookupGroup", func(s *state) *types.ScrapingGroup {
		if g, ok := s.groups[ownerID]; ok {
			cp := *g
			return &cp
		}
		return nil
	})
	if err != nil {
		return types.ScrapingGroup{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	ctxID, err := m.browser.NewGroup(callCtx)
	cancel()
	if err != nil {
		return types.ScrapingGroup{}, err
	}

	candidate := types.ScrapingGroup{
		GroupID:          uuid.NewString(),
		OwnerID:          ownerID,
		BrowserContextID: ctxID,
		CreatedAt:        time.Now().UTC(),
	}
	group, err := ask(ctx, m, "registerGroup", func(s *state) types.ScrapingGroup {
		if g, ok := s.groups[ownerID]; ok {
			return *g
		}
		g := candidate
		s.groups[ownerID] = &g
		return g
	})
	if err != nil || group.GroupID != candidate.GroupID {
		m.disposeGroup(ctxID)
		if err != nil {
			return types.ScrapingGroup{}, err
		}
	} else {
		slog.Info("scraping group created", "owner_id", ownerID, "group_id", group.GroupID, "browser_context_id", ctxID)
	}
	return group, nil
}

// runDispatch waits out the page-load grace period, then dispatches. On
// exhaustion the owner gets a failure event and the worker is destroyed.
func (m *Manager) runDispatch(w types.WorkerTab) {
	defer m.wg.Done()

	if err := m.sleep(m.runCtx, m.opts.GraceDelay); err != nil {
		return
	}
	err := m.DispatchInstruction(m.runCtx, w.WorkerID, w.OwnerID, w.PageNumber)
	if err == nil || m.runCtx.Err() != nil {
		return
	}
	if errors.Is(err, errWorkerGone) {
		slog.Debug("dispatch abandoned, worker gone", "worker_id", w.WorkerID, "owner_id", w.OwnerID)
		return
	}

	_ = m.DestroyWorker(m.runCtx, w.WorkerID)
	m.notify(Event{
		Kind:       EventFailure,
		OwnerID:    w.OwnerID,
		WorkerID:   w.WorkerID,
		PageNumber: w.PageNumber,
		Err:        err,
	})
}

var errWorkerGone = errors.New("worker no longer registered")

// DispatchInstruction delivers the scrape instruction to a worker, retrying
// up to MaxAttempts with linear backoff.
func (m *Manager) DispatchInstruction(ctx context.Context, workerID, ownerID string, pageNumber int) error {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		w, err := m.lookupWorker(ctx, workerID)
		if err != nil {
			return err
		}
		if w == nil {
			return errWorkerGone
		}

		in := Instruction{
			WorkerID:   workerID,
			OwnerID:    ownerID,
			TargetID:   w.TargetID,
			TargetURL:  w.TargetURL,
			PageNumber: pageNumber,
		}
		d := m.currentDeliverer()
		if d == nil {
			return types.NewError(types.CodeWorkerCreation, "no instruction deliverer configured", nil)
		}
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		lastErr = d.Deliver(callCtx, in)
		cancel()
		if lastErr == nil {
			slog.Debug("instruction delivered", "worker_id", workerID, "owner_id", ownerID, "page", pageNumber, "attempt", attempt)
			return nil
		}

		slog.Warn("instruction delivery failed", "worker_id", workerID, "owner_id", ownerID,
			"page", pageNumber, "attempt", attempt, "error", lastErr)
		if attempt == m.opts.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, time.Duration(attempt)*m.opts.BackoffStep); err != nil {
			return err
		}
	}

	slog.Error("instruction delivery exhausted", "worker_id", workerID, "owner_id", ownerID,
		"page", pageNumber, "attempts", m.opts.MaxAttempts)
	return types.NewError(types.CodeWorkerCreation,
		fmt.Sprintf("worker for page %d did not accept instruction after %d attempts", pageNumber, m.opts.MaxAttempts), lastErr)
}

func (m *Manager) lookupWorker(ctx context.Context, workerID string) (*types.WorkerTab, error) {
	return ask(ctx, m, "lookupWorker", func(s *state) *types.WorkerTab {
		if w, ok := s.workers[workerID]; ok {
			cp := *w
			return &cp
		}
		return nil
	})
}

// ForwardResult destroys the worker, then relays its records to the owner.
// The owner only hears about a page once its target is closed, so the next
// worker it opens is never alongside this one.
func (m *Manager) ForwardResult(ctx context.Context, res Result) error {
	var err error
	if res.WorkerID != "" {
		err = m.DestroyWorker(ctx, res.WorkerID)
	}
	m.notify(Event{
		Kind:       EventResult,
		OwnerID:    res.OwnerID,
		WorkerID:   res.WorkerID,
		PageNumber: res.PageNumber,
		Records:    res.Records,
	})
	return err
}

// ForwardFailure destroys the worker, then reports that it could not
// produce its page.
func (m *Manager) ForwardFailure(ctx context.Context, workerID, ownerID string, pageNumber int, cause error) error {
	var err error
	if workerID != "" {
		err = m.DestroyWorker(ctx, workerID)
	}
	m.notify(Event{
		Kind:       EventFailure,
		OwnerID:    ownerID,
		WorkerID:   workerID,
		PageNumber: pageNumber,
		Err:        cause,
	})
	return err
}

// notify sends ev to the owner's subscription without blocking the loop.
func (m *Manager) notify(ev Event) {
	ch, err := ask(context.Background(), m, "lookupSub", func(s *state) chan Event {
		return s.subs[ev.OwnerID]
	})
	if err != nil {
		return
	}
	if ch == nil {
		slog.Warn("no subscriber for worker event", "owner_id", ev.OwnerID, "worker_id", ev.WorkerID, "page", ev.PageNumber)
		return
	}
	select {
	case ch <- ev:
	case <-time.After(5 * time.Second):
		slog.Warn("subscriber not draining, worker event dropped", "owner_id", ev.OwnerID, "page", ev.PageNumber)
	case <-m.runCtx.Done():
	}
}

// DestroyWorker closes the worker target and drops its record. Unknown
// workers are ignored.
func (m *Manager) DestroyWorker(ctx context.Context, workerID string) error {
	w, err := ask(ctx, m, "destroyWorker", func(s *state) *types.WorkerTab {
		w, ok := s.workers[workerID]
		if !ok {
			return nil
		}
		delete(s.workers, workerID)
		return w
	})
	if err != nil || w == nil {
		return err
	}
	slog.Debug("worker destroyed", "worker_id", workerID, "owner_id", w.OwnerID, "target_id", w.TargetID)
	return m.closeTabCtx(ctx, w.TargetID)
}

// CleanupGroup closes every remaining worker of ownerID and disposes the
// group. Calling it again is a no-op.
func (m *Manager) CleanupGroup(ctx context.Context, ownerID string) error {
	type removal struct {
		group   *types.ScrapingGroup
		targets []string
	}
	r, err := ask(ctx, m, "cleanupGroup", func(s *state) removal {
		var out removal
		for id, w := range s.workers {
			if w.OwnerID == ownerID {
				out.targets = append(out.targets, w.TargetID)
				delete(s.workers, id)
			}
		}
		if g, ok := s.groups[ownerID]; ok {
			out.group = g
			delete(s.groups, ownerID)
		}
		return out
	})
	if err != nil {
		return err
	}
	if r.group == nil && len(r.targets) == 0 {
		return nil
	}

	var firstErr error
	for _, targetID := range r.targets {
		if err := m.closeTabCtx(ctx, targetID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.group != nil {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		if err := m.browser.DisposeGroup(callCtx, r.group.BrowserContextID); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
		slog.Info("scraping group cleaned up", "owner_id", ownerID, "group_id", r.group.GroupID, "workers", len(r.targets))
	}
	return firstErr
}

// IsWorker reports whether targetID belongs to a live worker.
func (m *Manager) IsWorker(targetID string) bool {
	found, _ := ask(context.Background(), m, "isWorker", func(s *state) bool {
		for _, w := range s.workers {
			if w.TargetID == targetID {
				return true
			}
		}
		return false
	})
	return found
}

// Workers returns the live workers of ownerID.
func (m *Manager) Workers(ownerID string) []types.WorkerTab {
	out, _ := ask(context.Background(), m, "workers", func(s *state) []types.WorkerTab {
		var ws []types.WorkerTab
		for _, w := range s.workers {
			if w.OwnerID == ownerID {
				ws = append(ws, *w)
			}
		}
		return ws
	})
	return out
}

// Group returns the owner's scraping group, if any.
func (m *Manager) Group(ownerID string) (types.ScrapingGroup, bool) {
	g, _ := ask(context.Background(), m, "group", func(s *state) *types.ScrapingGroup {
		if g, ok := s.groups[ownerID]; ok {
			cp := *g
			return &cp
		}
		return nil
	})
	if g == nil {
		return types.ScrapingGroup{}, false
	}
	return *g, true
}

// Close cleans up every group and stops the manager.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		owners, _ := ask(ctx, m, "owners", func(s *state) []string {
			seen := make(map[string]struct{})
			var out []string
			for id := range s.groups {
				seen[id] = struct{}{}
				out = append(out, id)
			}
			for _, w := range s.workers {
				if _, ok := seen[w.OwnerID]; !ok {
					seen[w.OwnerID] = struct{}{}
					out = append(out, w.OwnerID)
				}
			}
			return out
		})
		for _, owner := range owners {
			if cerr := m.CleanupGroup(ctx, owner); cerr != nil && err == nil {
				err = cerr
			}
		}
		m.runCancel()
		<-m.loopDone
		m.wg.Wait()
	})
	return err
}

func (m *Manager) closeTab(targetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	_ = m.closeTabCtx(ctx, targetID)
}

func (m *Manager) closeTabCtx(ctx context.Context, targetID string) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CallTimeout)
	defer cancel()
	if err := m.browser.CloseTab(callCtx, targetID); err != nil {
		slog.Warn("worker tab close failed", "target_id", targetID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) disposeGroup(browserContextID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	if err := m.browser.DisposeGroup(ctx, browserContextID); err != nil {
		slog.Warn("browser context dispose failed", "browser_context_id", browserContextID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
