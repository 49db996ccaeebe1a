package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

// fakeBrowser speaks enough of the browser-level CDP protocol for the client.
type fakeBrowser struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	targets    map[string]string // id -> browserContextId
	contexts   map[string]bool
	methods    []string
	readyState string
	nextID     int
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	b := &fakeBrowser{
		t:          t,
		targets:    map[string]string{"PRIMARY1": ""},
		contexts:   map[string]bool{},
		readyState: "complete",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := []map[string]string{
			{"id": "PRIMARY1", "type": "page", "url": "https://jobs.example.com/list?page=2", "title": "Jobs"},
			{"id": "OTHER1", "type": "page", "url": "https://news.example.com/", "title": "News"},
			{"id": "SW1", "type": "service_worker", "url": "https://jobs.example.com/sw.js"},
		}
		for id := range b.targets {
			if id == "PRIMARY1" {
				continue
			}
			list = append(list, map[string]string{"id": id, "type": "page", "url": "https://jobs.example.com/list?page=3"})
		}
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/devtools/browser/fake", b.serveWS)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		result, errMsg := b.handle(req.Method, req.Params)
		resp := map[string]any{"id": req.ID}
		if errMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			resp["result"] = result
		}
		out, _ := json.Marshal(resp)
		if err := wsutil.WriteServerText(conn, out); err != nil {
			return
		}
	}
}

func (b *fakeBrowser) handle(method string, params json.RawMessage) (any, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.methods = append(b.methods, method)

	var p map[string]any
	_ = json.Unmarshal(params, &p)

	switch method {
	case "Target.createBrowserContext":
		b.nextID++
		id := "CTX" + string(rune('0'+b.nextID))
		b.contexts[id] = true
		return map[string]string{"browserContextId": id}, ""
	case "Target.disposeBrowserContext":
		id, _ := p["browserContextId"].(string)
		if !b.contexts[id] {
			return nil, "Failed to find context with id " + id
		}
		delete(b.contexts, id)
		for tid, ctxID := range b.targets {
			if ctxID == id {
				delete(b.targets, tid)
			}
		}
		return map[string]any{}, ""
	case "Target.createTarget":
		b.nextID++
		id := "WORKER" + string(rune('0'+b.nextID))
		ctxID, _ := p["browserContextId"].(string)
		b.targets[id] = ctxID
		return map[string]string{"targetId": id}, ""
	case "Target.closeTarget":
		id, _ := p["targetId"].(string)
		if _, ok := b.targets[id]; !ok {
			return nil, "No target with given id found"
		}
		delete(b.targets, id)
		return map[string]bool{"success": true}, ""
	case "Target.attachToTarget":
		id, _ := p["targetId"].(string)
		if _, ok := b.targets[id]; !ok {
			return nil, "No target with given id found"
		}
		return map[string]string{"sessionId": "S-" + id}, ""
	case "Runtime.evaluate":
		value, _ := json.Marshal(map[string]any{
			"ok":   true,
			"data": map[string]string{"ready_state": b.readyState, "url": "https://jobs.example.com/list?page=3"},
		})
		return map[string]any{"result": map[string]any{"type": "string", "value": string(value)}}, ""
	}
	return nil, "unknown method " + method
}

func TestClient_ListTabsFiltersPages(t *testing.T) {
	b := newFakeBrowser(t)
	c := NewClient(b.server.URL, "jobs.example.com/list", time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	tabs, err := c.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 1 || tabs[0].TargetID != "PRIMARY1" {
		t.Fatalf("ListTabs() = %+v; want only PRIMARY1", tabs)
	}
	if tabs[0].ShortID != "PRIMARY1" {
		t.Fatalf("ShortID = %q; want %q", tabs[0].ShortID, "PRIMARY1")
	}

	if _, err := c.Tab(context.Background(), "MISSING"); !types.HasCode(err, types.CodeTabNotFound) {
		t.Fatalf("Tab(MISSING) = %v; want %s", err, types.CodeTabNotFound)
	}
}

func TestClient_TargetLifecycle(t *testing.T) {
	b := newFakeBrowser(t)
	c := NewClient(b.server.URL, "", time.Second)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	ctxID, err := c.CreateBrowserContext(ctx)
	if err != nil {
		t.Fatalf("CreateBrowserContext() error = %v", err)
	}
	targetID, err := c.CreateTarget(ctx, "https://jobs.example.com/list?page=3", ctxID)
	if err != nil {
		t.Fatalf("CreateTarget() error = %v", err)
	}

	state, err := c.PageState(ctx, targetID)
	if err != nil {
		t.Fatalf("PageState() error = %v", err)
	}
	if !state.Complete() {
		t.Fatalf("PageState() = %+v; want complete", state)
	}

	if err := c.CloseTarget(ctx, targetID); err != nil {
		t.Fatalf("CloseTarget() error = %v", err)
	}
	if err := c.CloseTarget(ctx, targetID); err != nil {
		t.Fatalf("second CloseTarget() error = %v; want nil", err)
	}
	if err := c.DisposeBrowserContext(ctx, ctxID); err != nil {
		t.Fatalf("DisposeBrowserContext() error = %v", err)
	}
	if err := c.DisposeBrowserContext(ctx, ctxID); err != nil {
		t.Fatalf("second DisposeBrowserContext() error = %v; want nil", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contexts) != 0 {
		t.Fatalf("contexts left open: %v", b.contexts)
	}
}

func TestClient_PageStateOnClosedTarget(t *testing.T) {
	b := newFakeBrowser(t)
	c := NewClient(b.server.URL, "", time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	_, err := c.PageState(context.Background(), "GONE")
	if !types.HasCode(err, types.CodeTabNotFound) {
		t.Fatalf("PageState(GONE) = %v; want %s", err, types.CodeTabNotFound)
	}
}

func TestListPagesWrapsListTargetsError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader(`oops`)),
		}, nil
	}))

	c := NewClient("http://example.com", "", time.Second)
	c.cdp = newRawCDP("http://example.com")

	_, err := c.ListTabs(context.Background())
	if err == nil {
		t.Fatal("expected ListTabs() to fail")
	}
	var codedErr *types.CodedError
	if !errors.As(err, &codedErr) {
		t.Fatalf("expected *types.CodedError, got %T", err)
	}
	if codedErr.Code != types.CodeCDPUnavailable {
		t.Fatalf("error code = %s; want %s", codedErr.Code, types.CodeCDPUnavailable)
	}
	if !strings.Contains(codedErr.Message, "failed to list targets") {
		t.Fatalf("error message = %q; want to contain %q", codedErr.Message, "failed to list targets")
	}
}

func TestConnectWithoutURL(t *testing.T) {
	c := NewClient("", "", time.Second)
	if err := c.Connect(context.Background()); !types.HasCode(err, types.CodeCDPUnavailable) {
		t.Fatalf("Connect() = %v; want %s", err, types.CodeCDPUnavailable)
	}
}

func TestShouldRetry(t *testing.T) {
	c := &Client{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), false},
		{"tab not found", types.NewError(types.CodeTabNotFound, "x", nil), false},
		{"cdp unavailable bare", types.NewError(types.CodeCDPUnavailable, "x", nil), true},
		{"eval broken pipe", types.NewError(types.CodeEvalFailure, "x", errors.New("write: broken pipe")), true},
		{"eval js error", types.NewError(types.CodeEvalFailure, "x", errors.New("ReferenceError")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.shouldRetry(tt.err); got != tt.want {
				t.Fatalf("shouldRetry(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDecodeEnvelopeError(t *testing.T) {
	err := decodeEnvelope(`{"ok":false,"error_code":"EVAL_FAILURE","error_message":"nope"}`, nil)
	if !types.HasCode(err, types.CodeEvalFailure) {
		t.Fatalf("decodeEnvelope() = %v; want %s", err, types.CodeEvalFailure)
	}
	if err := decodeEnvelope(`not json`, nil); err == nil {
		t.Fatalf("decodeEnvelope(not json) = nil; want error")
	}
}
