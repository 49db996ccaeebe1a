package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/cdpcontrol"
	"github.com/dgnsrekt/pagetrawl/internal/checkpoint"
	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/pageurl"
	"github.com/dgnsrekt/pagetrawl/internal/scrape"
	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/dgnsrekt/pagetrawl/internal/workertab"
)

const testOwner = "OWNERTAB1"

type fakeTabs struct {
	mu  sync.Mutex
	url string
}

func (f *fakeTabs) Tab(_ context.Context, targetID string) (types.TabInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.TabInfo{TargetID: targetID, URL: f.url}, nil
}

func pageRecords(page, n int) []types.Record {
	out := make([]types.Record, n)
	for i := range out {
		out[i] = types.NewRecord([]string{"Name", "Page"}, []string{fmt.Sprintf("p%d-r%d", page, i), strconv.Itoa(page)})
	}
	return out
}

type pageScraper struct {
	mu      sync.Mutex
	empty   map[int]bool
	gates   map[int]chan struct{}
	calls   []int
	entered chan int
}

func newPageScraper() *pageScraper {
	return &pageScraper{
		empty:   make(map[int]bool),
		gates:   make(map[int]chan struct{}),
		entered: make(chan int, 16),
	}
}

func (s *pageScraper) gate(page int) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[page] = ch
	return ch
}

func (s *pageScraper) Scrape(ctx context.Context, page scrape.Page) ([]types.Record, error) {
	n, err := pageurl.PageNumber(page.URL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, n)
	gate := s.gates[n]
	empty := s.empty[n]
	s.mu.Unlock()

	select {
	case s.entered <- n:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if empty {
		return nil, nil
	}
	return pageRecords(n, 2), nil
}

func (s *pageScraper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeBrowser struct {
	mu       sync.Mutex
	groups   int
	disposed []string
	opened   []string
	closed   []string
	nextID   int
	onOpen   func(url string)

	live       int
	maxLive    int
	closeDelay time.Duration
}

func (b *fakeBrowser) NewGroup(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups++
	return fmt.Sprintf("CTX%d", b.groups), nil
}

func (b *fakeBrowser) DisposeGroup(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = append(b.disposed, id)
	return nil
}

func (b *fakeBrowser) OpenTab(_ context.Context, url, _ string) (string, error) {
	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("W%d", b.nextID)
	b.opened = append(b.opened, url)
	b.live++
	if b.live > b.maxLive {
		b.maxLive = b.live
	}
	hook := b.onOpen
	b.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	return id, nil
}

func (b *fakeBrowser) CloseTab(_ context.Context, id string) error {
	b.mu.Lock()
	delay := b.closeDelay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, id)
	b.live--
	return nil
}

func (b *fakeBrowser) peakLive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLive
}

func (b *fakeBrowser) snapshot() (groups int, disposed, opened []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groups, append([]string(nil), b.disposed...), append([]string(nil), b.opened...)
}

type memStore struct {
	mu      sync.Mutex
	items   map[string]checkpoint.Checkpoint
	history []int
	setErr  error
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]checkpoint.Checkpoint)}
}

func (s *memStore) Get(_ context.Context, owner string) (checkpoint.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.items[owner]
	return cp, ok, nil
}

func (s *memStore) Set(_ context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.items[cp.OwnerID] = cp
	s.history = append(s.history, cp.CurrentPage)
	return nil
}

func (s *memStore) Delete(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, owner)
	return nil
}

func (s *memStore) pages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.history...)
}

type memBackup struct {
	mu      sync.Mutex
	page    map[string]int
	records map[string][]types.Record
}

func newMemBackup() *memBackup {
	return &memBackup{page: make(map[string]int), records: make(map[string][]types.Record)}
}

func (b *memBackup) Save(owner string, page int, records []types.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.page[owner] = page
	b.records[owner] = append([]types.Record(nil), records...)
	return nil
}

func (b *memBackup) Load(owner string) (int, []types.Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[owner]
	return b.page[owner], r, ok, nil
}

func (b *memBackup) Remove(owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.page, owner)
	delete(b.records, owner)
	return nil
}

type fakeExporter struct {
	mu      sync.Mutex
	calls   int
	records []types.Record
	columns []string
	opts    export.Options
}

func (e *fakeExporter) Enabled() bool { return true }

func (e *fakeExporter) ExportRecords(_ context.Context, records []types.Record, columns []string, opts export.Options) (export.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.records = records
	e.columns = columns
	e.opts = opts
	return export.Response{OK: true, Wrote: len(records), Total: len(records) + 1}, nil
}

type feedRecorder struct {
	mu    sync.Mutex
	feeds []string
}

func (r *feedRecorder) PublishJSON(feed, _ string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds = append(r.feeds, feed)
}

func (r *feedRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.feeds...)
}

type readyPages struct{}

func (readyPages) PageState(context.Context, string) (cdpcontrol.PageState, error) {
	return cdpcontrol.PageState{ReadyState: "complete"}, nil
}

type harness struct {
	coord    *Coordinator
	manager  *workertab.Manager
	browser  *fakeBrowser
	scraper  *pageScraper
	store    *memStore
	backup   *memBackup
	tabs     *fakeTabs
	exporter *fakeExporter
	events   *feedRecorder
}

func newHarness(t *testing.T, tabURL string, cfg Config) *harness {
	t.Helper()
	h := &harness{
		browser:  &fakeBrowser{},
		scraper:  newPageScraper(),
		store:    newMemStore(),
		backup:   newMemBackup(),
		tabs:     &fakeTabs{url: tabURL},
		exporter: &fakeExporter{},
		events:   &feedRecorder{},
	}
	h.manager = workertab.NewManager(h.browser, nil, workertab.Options{BackoffStep: time.Millisecond})
	runtime := NewWorkerRuntime(readyPages{}, h.scraper, h.manager, time.Second)
	h.manager.SetDeliverer(runtime)
	t.Cleanup(func() {
		runtime.Close()
		_ = h.manager.Close(context.Background())
	})

	h.coord = New(testOwner, cfg, Deps{
		Tabs:     h.tabs,
		Scraper:  h.scraper,
		Workers:  h.manager,
		Store:    h.store,
		Backup:   h.backup,
		Exporter: h.exporter,
		Events:   h.events,
	})
	return h
}

func (h *harness) wait(t *testing.T) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return h.coord.Snapshot(true)
}

func waitEntered(t *testing.T, s *pageScraper, page int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-s.entered:
			if n == page {
				return
			}
		case <-deadline:
			t.Fatalf("scrape of page %d never started", page)
		}
	}
}
