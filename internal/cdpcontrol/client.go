// Package cdpcontrol manages browser targets and browser contexts over a raw
// CDP websocket: listing primary tabs, opening and closing worker targets,
// and probing their load state.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/pagetrawl/internal/pageurl"
	"github.com/dgnsrekt/pagetrawl/internal/storage"
	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

// goneHints mark close/dispose failures for things that no longer exist.
var goneHints = []string{
	"no target with given id",
	"failed to find context",
	"failed to find browser context",
}

type tabSession struct {
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
}

type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration

	mu         sync.Mutex
	cdp        *rawCDP
	sessions   map[target.ID]*tabSession
	unregister func()

	targetLocksMu sync.Mutex
	targetLocks   map[target.ID]*sync.Mutex
}

type rawEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) *Client {
	if evalTimeout <= 0 {
		evalTimeout = 10 * time.Second
	}
	return &Client{
		cdpURL:      cdpURL,
		tabFilter:   strings.ToLower(strings.TrimSpace(tabFilter)),
		evalTimeout: evalTimeout,
		sessions:    make(map[target.ID]*tabSession),
		targetLocks: make(map[target.ID]*sync.Mutex),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return types.NewError(types.CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	raw := newRawCDP(c.cdpURL)
	if err := raw.connect(ctx); err != nil {
		return types.NewError(types.CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.cdp = raw
	c.unregister = raw.registerEventHandler("Target.detachedFromTarget", c.onDetached)

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	if c.unregister != nil {
		c.unregister()
		c.unregister = nil
	}
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for targetID, session := range c.sessions {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "target_id", targetID, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.sessions = make(map[target.ID]*tabSession)
}

// onDetached forgets a session the browser dropped, typically because its
// target was closed.
func (c *Client) onDetached(_ string, params json.RawMessage) {
	var ev struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if json.Unmarshal(params, &ev) != nil {
		return
	}
	c.mu.Lock()
	session := c.sessions[target.ID(ev.TargetID)]
	c.mu.Unlock()
	if session == nil {
		return
	}
	session.mu.Lock()
	if session.sessionID == ev.SessionID {
		session.sessionID = ""
	}
	session.mu.Unlock()
	slog.Debug("cdpcontrol session detached", "target_id", ev.TargetID, "session_id", ev.SessionID)
}

// ListTabs returns page targets whose URL matches the tab filter.
func (c *Client) ListTabs(ctx context.Context) ([]types.TabInfo, error) {
	targets, err := c.listPages(ctx)
	if err != nil {
		slog.Warn("cdpcontrol list tabs failed", "error", err)
		return nil, err
	}

	tabs := make([]types.TabInfo, 0, len(targets))
	for _, t := range targets {
		if !pageurl.Matches(t.URL, c.tabFilter) {
			continue
		}
		tabs = append(tabs, tabInfo(t))
	}
	sort.Slice(tabs, func(i, j int) bool {
		return tabs[i].TargetID < tabs[j].TargetID
	})
	slog.Debug("cdpcontrol list tabs", "count", len(tabs))
	return tabs, nil
}

// Tab returns the current state of one page target, filtered or not.
func (c *Client) Tab(ctx context.Context, targetID string) (types.TabInfo, error) {
	targets, err := c.listPages(ctx)
	if err != nil {
		return types.TabInfo{}, err
	}
	for _, t := range targets {
		if string(t.TargetID) == targetID {
			return tabInfo(t), nil
		}
	}
	return types.TabInfo{}, types.NewError(types.CodeTabNotFound, "tab not found: "+targetID, nil)
}

func (c *Client) listPages(ctx context.Context) ([]*target.Info, error) {
	var pages []*target.Info
	err := c.withRetry(ctx, "list targets", func(raw *rawCDP) error {
		targets, err := raw.listTargets(ctx)
		if err != nil {
			return types.NewError(types.CodeCDPUnavailable, "failed to list targets", err)
		}
		pages = pages[:0]
		for _, t := range targets {
			if t.Type == "page" {
				pages = append(pages, t)
			}
		}
		return nil
	})
	return pages, err
}

// CreateBrowserContext opens an isolated browser context for a group of
// worker targets.
func (c *Client) CreateBrowserContext(ctx context.Context) (string, error) {
	var id string
	err := c.withRetry(ctx, "create browser context", func(raw *rawCDP) error {
		var err error
		id, err = raw.createBrowserContext(ctx)
		if err != nil {
			return types.NewError(types.CodeCDPUnavailable, "create browser context failed", err)
		}
		return nil
	})
	if err == nil {
		slog.Debug("cdpcontrol browser context created", "browser_context_id", id)
	}
	return id, err
}

// DisposeBrowserContext closes the context and all its targets. Disposing an
// unknown context succeeds.
func (c *Client) DisposeBrowserContext(ctx context.Context, browserContextID string) error {
	return c.withRetry(ctx, "dispose browser context", func(raw *rawCDP) error {
		if err := raw.disposeBrowserContext(ctx, browserContextID); err != nil {
			if isGone(err) {
				return nil
			}
			return types.NewError(types.CodeCDPUnavailable, "dispose browser context failed", err)
		}
		return nil
	})
}

// CreateTarget opens a background page at url. An empty browserContextID
// uses the default context.
func (c *Client) CreateTarget(ctx context.Context, url, browserContextID string) (string, error) {
	var id string
	err := c.withRetry(ctx, "create target", func(raw *rawCDP) error {
		var err error
		id, err = raw.createTarget(ctx, url, browserContextID)
		if err != nil {
			return types.NewError(types.CodeCDPUnavailable, "create target failed", err)
		}
		return nil
	})
	if err == nil {
		slog.Debug("cdpcontrol target created", "target_id", id, "browser_context_id", browserContextID)
	}
	return id, err
}

// CloseTarget closes a page target. Closing a target that is already gone
// succeeds.
func (c *Client) CloseTarget(ctx context.Context, targetID string) error {
	err := c.withRetry(ctx, "close target", func(raw *rawCDP) error {
		if err := raw.closeTarget(ctx, targetID); err != nil {
			if isGone(err) {
				return nil
			}
			return types.NewError(types.CodeCDPUnavailable, "close target failed", err)
		}
		return nil
	})

	c.mu.Lock()
	delete(c.sessions, target.ID(targetID))
	c.mu.Unlock()
	c.targetLocksMu.Lock()
	delete(c.targetLocks, target.ID(targetID))
	c.targetLocksMu.Unlock()
	return err
}

// PageState probes document.readyState and location of a target.
func (c *Client) PageState(ctx context.Context, targetID string) (PageState, error) {
	var out PageState
	if err := c.evalOnTarget(ctx, targetID, jsPageState(), &out); err != nil {
		return PageState{}, err
	}
	return out, nil
}

func jsPageState() string {
	return wrapJSEval(`return JSON.stringify({ok:true,data:{ready_state:document.readyState,url:String(location.href)}});`)
}

// withRetry runs op once and, on a transient failure, reconnects and runs it
// again.
func (c *Client) withRetry(ctx context.Context, what string, op func(raw *rawCDP) error) error {
	raw, err := c.ensureConnected(ctx)
	if err == nil {
		err = op(raw)
	}
	if err == nil || !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol retry after transient failure", "op", what, "error", err)
	if recErr := c.reconnect(ctx); recErr != nil {
		slog.Error("cdpcontrol reconnect failed during retry", "op", what, "error", recErr)
		return recErr
	}
	raw, err = c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	return op(raw)
}

func (c *Client) evalOnTarget(ctx context.Context, targetID, js string, out any) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return types.NewError(types.CodeTabNotFound, "target id is required", nil)
	}

	lock := c.targetLock(target.ID(targetID))
	lock.Lock()
	defer lock.Unlock()

	slog.Debug("cdpcontrol eval on target", "target_id", targetID)
	err := c.evalOnSession(ctx, targetID, js, out)
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol eval retry after transient failure", "target_id", targetID, "error", err)
	if types.HasCode(err, types.CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "target_id", targetID, "error", recErr)
			return recErr
		}
	}
	return c.evalOnSession(ctx, targetID, js, out)
}

func (c *Client) evalOnSession(ctx context.Context, targetID, js string, out any) error {
	raw, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	session := c.sessions[target.ID(targetID)]
	if session == nil {
		session = &tabSession{}
		c.sessions[target.ID(targetID)] = session
	}
	c.mu.Unlock()

	sessionID, err := c.ensureSession(ctx, raw, session, targetID)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	result, err := raw.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "target_id", targetID, "error", err)
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return types.NewError(types.CodeEvalTimeout, "evaluation timed out", err)
		}
		return types.NewError(types.CodeEvalFailure, "evaluation failed", err)
	}
	return decodeEnvelope(result, out)
}

func decodeEnvelope(result string, out any) error {
	var env rawEnvelope
	if err := json.Unmarshal([]byte(result), &env); err != nil {
		return types.NewError(types.CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = types.CodeEvalFailure
		}
		return types.NewError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return types.NewError(types.CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, raw *rawCDP, session *tabSession, targetID string) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := raw.attachToTarget(ctx, targetID)
	if err != nil {
		if isGone(err) {
			return "", types.NewError(types.CodeTabNotFound, "target not found: "+targetID, err)
		}
		return "", types.NewError(types.CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", sid)
	return sid, nil
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) ensureConnected(ctx context.Context) (*rawCDP, error) {
	c.mu.Lock()
	raw := c.cdp
	c.mu.Unlock()
	if raw != nil {
		return raw, nil
	}
	if err := c.reconnect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp == nil {
		return nil, types.NewError(types.CodeCDPUnavailable, "CDP client not connected", nil)
	}
	return c.cdp, nil
}

func (c *Client) targetLock(id target.ID) *sync.Mutex {
	c.targetLocksMu.Lock()
	defer c.targetLocksMu.Unlock()
	m, ok := c.targetLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.targetLocks[id] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case types.CodeTabNotFound:
		return false
	case types.CodeCDPUnavailable, types.CodeEvalFailure:
		if coded.Cause == nil {
			return coded.Code == types.CodeCDPUnavailable
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func isGone(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, hint := range goneHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func tabInfo(t *target.Info) types.TabInfo {
	return types.TabInfo{
		TargetID: string(t.TargetID),
		URL:      t.URL,
		Title:    t.Title,
		ShortID:  storage.ShortID(string(t.TargetID)),
	}
}

func wrapJSEval(body string) string {
	return "(function(){\n" + `try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + types.CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}
