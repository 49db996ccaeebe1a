package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const doneMessage = "Scraped pages 1-3 of https://list.test/items: 42 records"

type captured struct {
	method, path, contentType, title, body string
}

func newEndpoint(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		*got = captured{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			title:       r.Header.Get("Title"),
			body:        string(raw),
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestNotifyPostsPlainText(t *testing.T) {
	srv, got := newEndpoint(t, http.StatusOK)

	n := New(srv.Client(), srv.URL+"/pagetrawl", "pagetrawl")
	if err := n.Notify(context.Background(), doneMessage); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	want := captured{
		method:      http.MethodPost,
		path:        "/pagetrawl",
		contentType: "text/plain",
		title:       "pagetrawl",
		body:        doneMessage,
	}
	if *got != want {
		t.Fatalf("request = %+v; want %+v", *got, want)
	}
}

func TestNotifyWithoutTitleOmitsHeader(t *testing.T) {
	srv, got := newEndpoint(t, http.StatusAccepted)

	if err := New(nil, srv.URL, "").Notify(context.Background(), "failed at page 2"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got.title != "" {
		t.Fatalf("Title header = %q; want empty", got.title)
	}
}

func TestNotifyNon2xxIsError(t *testing.T) {
	srv, _ := newEndpoint(t, http.StatusBadGateway)

	err := New(srv.Client(), srv.URL, "").Notify(context.Background(), doneMessage)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("Notify() error = %v; want status 502", err)
	}
}

func TestNotifyDisabled(t *testing.T) {
	var nilNotifier *Notifier
	if nilNotifier.Enabled() {
		t.Fatal("nil notifier Enabled() = true")
	}
	if err := nilNotifier.Notify(context.Background(), doneMessage); err != nil {
		t.Fatalf("nil Notify() = %v; want nil", err)
	}

	blank := New(nil, "  ", "pagetrawl")
	if blank.Enabled() {
		t.Fatal("blank endpoint Enabled() = true")
	}
	if err := blank.Notify(context.Background(), doneMessage); err != nil {
		t.Fatalf("blank Notify() = %v; want nil", err)
	}
}
