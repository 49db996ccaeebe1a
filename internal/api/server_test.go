package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/pagetrawl/internal/controller"
	"github.com/dgnsrekt/pagetrawl/internal/coordinator"
	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/types"
)

type stubService struct {
	startErr   error
	startCount int
	exportOpts export.Options
}

func (s *stubService) ListTabs(context.Context) ([]controller.TabSession, error) {
	return []controller.TabSession{{
		TabInfo: types.TabInfo{TargetID: "TAB1", URL: "https://list.test/items?page=1"},
		Status:  coordinator.StatusIdle,
	}}, nil
}

func (s *stubService) Start(_ context.Context, ownerID string, pageCount int) (coordinator.Session, error) {
	if s.startErr != nil {
		return coordinator.Session{}, s.startErr
	}
	s.startCount = pageCount
	return coordinator.Session{OwnerID: ownerID, Status: coordinator.StatusInitializing, StartPage: 1, EndPage: pageCount}, nil
}

func (s *stubService) Resume(context.Context, string) (coordinator.Session, error) {
	return coordinator.Session{}, types.NewError(types.CodeStaleCheckpoint, "checkpoint is stale", nil)
}

func (s *stubService) Cancel(_ context.Context, ownerID string) (coordinator.Session, error) {
	return coordinator.Session{OwnerID: ownerID, Status: coordinator.StatusCancelled}, nil
}

func (s *stubService) Session(ownerID string, withRecords bool) (coordinator.Session, error) {
	if ownerID != "TAB1" {
		return coordinator.Session{}, types.NewError(types.CodeSessionNotFound, "no session for "+ownerID, nil)
	}
	sess := coordinator.Session{OwnerID: ownerID, Status: coordinator.StatusCompleted, RecordCount: 1}
	if withRecords {
		sess.Records = []types.Record{types.NewRecord([]string{"Name"}, []string{"alpha"})}
	}
	return sess, nil
}

func (s *stubService) Export(_ context.Context, _ string, opts export.Options) (export.Response, error) {
	s.exportOpts = opts
	return export.Response{OK: true, Wrote: 1, Total: 1}, nil
}

func (s *stubService) RecordsCSV(_ string, w io.Writer) error {
	_, err := io.WriteString(w, "Name\nalpha\n")
	return err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndDocs(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	if w := do(t, h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", w.Code, w.Body.String())
	}
	w := do(t, h, http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs = %d; missing dark theme marker", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/docs/events", ""); !strings.Contains(w.Body.String(), "exported") {
		t.Fatalf("events docs missing feed list")
	}
}

func TestListTabs(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	var body struct {
		Tabs []controller.TabSession `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tabs) != 1 || body.Tabs[0].TargetID != "TAB1" || body.Tabs[0].Status != coordinator.StatusIdle {
		t.Fatalf("tabs = %+v", body.Tabs)
	}
}

func TestStartSession(t *testing.T) {
	svc := &stubService{}
	w := do(t, NewServer(svc, nil), http.MethodPost, "/api/v1/sessions/TAB1/start", `{"page_count":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s; want 200", w.Code, w.Body.String())
	}
	if svc.startCount != 3 {
		t.Fatalf("pageCount = %d; want 3", svc.startCount)
	}
	var sess coordinator.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.EndPage != 3 || sess.Status != coordinator.StatusInitializing {
		t.Fatalf("session = %+v", sess)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", types.NewError(types.CodeValidation, "page count must be between 1 and 50", nil), http.StatusBadRequest},
		{"busy", types.NewError(types.CodeSessionBusy, "session already running", nil), http.StatusConflict},
		{"tab", types.NewError(types.CodeTabNotFound, "tab not found", nil), http.StatusNotFound},
		{"cdp", types.NewError(types.CodeCDPUnavailable, "browser gone", nil), http.StatusBadGateway},
		{"uncoded", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(&stubService{startErr: tt.err}, nil)
			w := do(t, h, http.MethodPost, "/api/v1/sessions/TAB1/start", `{"page_count":2}`)
			if w.Code != tt.want {
				t.Fatalf("status = %d; want %d", w.Code, tt.want)
			}
		})
	}
}

func TestResumeStaleIsConflict(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil), http.MethodPost, "/api/v1/sessions/TAB1/resume", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d; want 409", w.Code)
	}
}

func TestGetSession(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	if w := do(t, h, http.MethodGet, "/api/v1/sessions/OTHER", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown owner status = %d; want 404", w.Code)
	}
	w := do(t, h, http.MethodGet, "/api/v1/sessions/TAB1?records=true", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"Name":"alpha"`) {
		t.Fatalf("session = %d %s; want records", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/api/v1/sessions/TAB1", "")
	if strings.Contains(w.Body.String(), `"records"`) {
		t.Fatalf("session without records = %s", w.Body.String())
	}
}

func TestExportParsesUniqueBy(t *testing.T) {
	svc := &stubService{}
	w := do(t, NewServer(svc, nil), http.MethodPost, "/api/v1/sessions/TAB1/export", `{"clear":true,"unique_by":"Name, 2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s; want 200", w.Code, w.Body.String())
	}
	if !svc.exportOpts.Clear || len(svc.exportOpts.UniqueBy) != 2 {
		t.Fatalf("export opts = %+v", svc.exportOpts)
	}
	if got := svc.exportOpts.UniqueBy[1]; !got.IsIndex || got.Index != 2 {
		t.Fatalf("UniqueBy[1] = %+v; want index 2", got)
	}
}

func TestRecordsCSV(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/api/v1/sessions/TAB1/records.csv", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("Content-Type = %q; want text/csv", ct)
	}
	if w.Body.String() != "Name\nalpha\n" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestEventsMounted(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: page\ndata: {}\n\n")
	})
	w := do(t, NewServer(&stubService{}, events), http.MethodGet, "/api/v1/events", "")
	if !strings.Contains(w.Body.String(), "event: page") {
		t.Fatalf("events body = %q", w.Body.String())
	}
}
