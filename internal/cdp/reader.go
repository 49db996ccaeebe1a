// Package cdp reads rendered page HTML and follows tab navigation through
// chromedp sessions attached to existing targets.
package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// NavigateFunc is called with the new top-level URL of a watched tab.
type NavigateFunc func(targetID, url string)

// PageReader attaches chromedp contexts to targets on demand.
type PageReader struct {
	cdpURL       string
	waitSelector string
	timeout      time.Duration
	registry     *TabRegistry

	allocCtx    context.Context
	allocCancel context.CancelFunc

	tabs   map[target.ID]*tabContext
	tabsMu sync.Mutex
}

type tabContext struct {
	ctx      context.Context
	cancel   context.CancelFunc
	watching bool
}

// NewPageReader builds a reader. waitSelector, when set, must match before
// HTML is read.
func NewPageReader(cdpURL, waitSelector string, timeout time.Duration, registry *TabRegistry) *PageReader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if registry == nil {
		registry = NewTabRegistry()
	}
	return &PageReader{
		cdpURL:       cdpURL,
		waitSelector: waitSelector,
		timeout:      timeout,
		registry:     registry,
		tabs:         make(map[target.ID]*tabContext),
	}
}

func (r *PageReader) Connect(ctx context.Context) error {
	_ = ctx
	slog.Info("Connecting page reader to Chromium", "url", r.cdpURL)
	r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), r.cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(r.allocCtx)
	defer tempCancel()
	if err := chromedp.Run(tempCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	return nil
}

func (r *PageReader) tab(targetID string) (*tabContext, error) {
	r.tabsMu.Lock()
	defer r.tabsMu.Unlock()

	if r.allocCtx == nil {
		return nil, fmt.Errorf("page reader not connected")
	}
	if tab, ok := r.tabs[target.ID(targetID)]; ok {
		return tab, nil
	}
	ctx, cancel := chromedp.NewContext(r.allocCtx, chromedp.WithTargetID(target.ID(targetID)))
	tab := &tabContext{ctx: ctx, cancel: cancel}
	r.tabs[target.ID(targetID)] = tab
	return tab, nil
}

// OuterHTML returns the rendered document of targetID.
func (r *PageReader) OuterHTML(ctx context.Context, targetID string) (string, error) {
	tab, err := r.tab(targetID)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(tab.ctx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var actions []chromedp.Action
	if r.waitSelector != "" {
		actions = append(actions, chromedp.WaitReady(r.waitSelector, chromedp.ByQuery))
	}
	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(runCtx, actions...); err != nil {
		slog.Warn("page reader outer html failed", "target_id", targetID, "error", err)
		return "", fmt.Errorf("read html of %s: %w", targetID, err)
	}
	slog.Debug("page reader outer html", "target_id", targetID, "bytes", len(html))
	return html, nil
}

// Watch reports top-level navigations of targetID to fn until Release.
func (r *PageReader) Watch(targetID, url string, fn NavigateFunc) error {
	tab, err := r.tab(targetID)
	if err != nil {
		return err
	}

	r.tabsMu.Lock()
	already := tab.watching
	tab.watching = true
	r.tabsMu.Unlock()
	r.registry.Register(target.ID(targetID), url)
	if already {
		return nil
	}

	if err := chromedp.Run(tab.ctx, page.Enable()); err != nil {
		return fmt.Errorf("failed to enable page domain: %w", err)
	}
	chromedp.ListenTarget(tab.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				r.registry.Register(target.ID(targetID), e.Frame.URL)
				slog.Info("Tab navigated (full)", "tab_id", targetID, "url", truncateURL(e.Frame.URL))
				fn(targetID, e.Frame.URL)
			}
		case *page.EventNavigatedWithinDocument:
			r.registry.Register(target.ID(targetID), e.URL)
			slog.Info("Tab navigated (SPA)", "tab_id", targetID, "url", truncateURL(e.URL))
			fn(targetID, e.URL)
		}
	})
	return nil
}

// Release detaches from targetID. The target itself stays open.
func (r *PageReader) Release(targetID string) {
	r.tabsMu.Lock()
	tab, ok := r.tabs[target.ID(targetID)]
	delete(r.tabs, target.ID(targetID))
	r.tabsMu.Unlock()
	r.registry.Remove(target.ID(targetID))
	if ok {
		tab.cancel()
	}
}

func (r *PageReader) Close() error {
	r.tabsMu.Lock()
	for id, tab := range r.tabs {
		tab.cancel()
		delete(r.tabs, id)
	}
	r.tabsMu.Unlock()

	if r.allocCancel != nil {
		r.allocCancel()
	}
	slog.Info("Page reader closed")
	return nil
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
