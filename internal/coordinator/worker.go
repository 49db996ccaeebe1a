package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/cdpcontrol"
	"github.com/dgnsrekt/pagetrawl/internal/scrape"
	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/dgnsrekt/pagetrawl/internal/workertab"
)

// PageStater reports the load state of a target.
type PageStater interface {
	PageState(ctx context.Context, targetID string) (cdpcontrol.PageState, error)
}

// Forwarder carries a worker's outcome back to the owning session.
type Forwarder interface {
	ForwardResult(ctx context.Context, res workertab.Result) error
	ForwardFailure(ctx context.Context, workerID, ownerID string, pageNumber int, cause error) error
}

// WorkerRuntime is the worker side of a session. It accepts an instruction
// once the worker page has finished loading, scrapes it in the background
// and forwards the records.
type WorkerRuntime struct {
	pages         PageStater
	scraper       scrape.Scraper
	forward       Forwarder
	scrapeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

func NewWorkerRuntime(pages PageStater, scraper scrape.Scraper, forward Forwarder, scrapeTimeout time.Duration) *WorkerRuntime {
	if scrapeTimeout <= 0 {
		scrapeTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerRuntime{
		pages:         pages,
		scraper:       scraper,
		forward:       forward,
		scrapeTimeout: scrapeTimeout,
		ctx:           ctx,
		cancel:        cancel,
		running:       make(map[string]struct{}),
	}
}

// SetForwarder wires the result path after construction.
func (w *WorkerRuntime) SetForwarder(f Forwarder) {
	w.mu.Lock()
	w.forward = f
	w.mu.Unlock()
}

// Deliver implements workertab.Deliverer. A page that is still loading
// yields a TRANSIENT_DELIVERY error so the manager retries. Repeated
// delivery to a worker that is already scraping is acknowledged.
func (w *WorkerRuntime) Deliver(ctx context.Context, in workertab.Instruction) error {
	st, err := w.pages.PageState(ctx, in.TargetID)
	if err != nil {
		return types.NewError(types.CodeTransientDelivery, "worker page state unavailable", err)
	}
	if !st.Complete() {
		return types.NewError(types.CodeTransientDelivery,
			fmt.Sprintf("worker page not loaded (readyState=%q)", st.ReadyState), nil)
	}

	w.mu.Lock()
	if _, busy := w.running[in.WorkerID]; busy {
		w.mu.Unlock()
		return nil
	}
	w.running[in.WorkerID] = struct{}{}
	forward := w.forward
	w.wg.Add(1)
	w.mu.Unlock()

	pageURL := st.URL
	if pageURL == "" {
		pageURL = in.TargetURL
	}
	go w.scrape(in, pageURL, forward)
	return nil
}

func (w *WorkerRuntime) scrape(in workertab.Instruction, pageURL string, forward Forwarder) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.running, in.WorkerID)
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(w.ctx, w.scrapeTimeout)
	records, err := w.scraper.Scrape(ctx, scrape.Page{TargetID: in.TargetID, URL: pageURL})
	cancel()
	if r, ok := w.scraper.(interface{ Release(string) }); ok {
		r.Release(in.TargetID)
	}
	if w.ctx.Err() != nil || forward == nil {
		return
	}

	fctx, fcancel := context.WithTimeout(w.ctx, 15*time.Second)
	defer fcancel()
	if err != nil {
		slog.Error("worker scrape failed", "worker_id", in.WorkerID, "owner_id", in.OwnerID, "page", in.PageNumber, "error", err)
		if ferr := forward.ForwardFailure(fctx, in.WorkerID, in.OwnerID, in.PageNumber, fmt.Errorf("scrape page %d: %w", in.PageNumber, err)); ferr != nil {
			slog.Warn("worker failure forward failed", "worker_id", in.WorkerID, "error", ferr)
		}
		return
	}

	slog.Info("worker page scraped", "worker_id", in.WorkerID, "owner_id", in.OwnerID, "page", in.PageNumber, "records", len(records))
	if ferr := forward.ForwardResult(fctx, workertab.Result{
		WorkerID:   in.WorkerID,
		OwnerID:    in.OwnerID,
		PageNumber: in.PageNumber,
		Records:    records,
	}); ferr != nil {
		slog.Warn("worker result forward failed", "worker_id", in.WorkerID, "error", ferr)
	}
}

// Close stops in-flight scrapes and waits for them.
func (w *WorkerRuntime) Close() {
	w.cancel()
	w.wg.Wait()
}
