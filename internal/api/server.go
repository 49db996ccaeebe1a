package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/pagetrawl/internal/controller"
	"github.com/dgnsrekt/pagetrawl/internal/coordinator"
	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	ListTabs(ctx context.Context) ([]controller.TabSession, error)
	Start(ctx context.Context, ownerID string, pageCount int) (coordinator.Session, error)
	Resume(ctx context.Context, ownerID string) (coordinator.Session, error)
	Cancel(ctx context.Context, ownerID string) (coordinator.Session, error)
	Session(ownerID string, withRecords bool) (coordinator.Session, error)
	Export(ctx context.Context, ownerID string, opts export.Options) (export.Response, error)
	RecordsCSV(ownerID string, w io.Writer) error
}

type ownerInput struct {
	OwnerID string `path:"owner_id" doc:"CDP target ID of the owner tab"`
}

type sessionOutput struct {
	Body coordinator.Session
}

// NewServer builds the controller HTTP API. events, when set, is mounted as
// the SSE stream at /api/v1/events.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("pagetrawl Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})
	if events != nil {
		router.Get("/api/v1/events", events.ServeHTTP)
	}

	registerHealthHandlers(api)
	registerTabHandlers(api, svc)
	registerSessionHandlers(api, svc)

	return router
}

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/healthz", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []controller.TabSession `json:"tabs"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List primary tabs matching the URL filter", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})
}

func registerSessionHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "start-session", Method: http.MethodPost, Path: "/api/v1/sessions/{owner_id}/start", Summary: "Start a multi-page session at the page loaded in the tab", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			OwnerID string `path:"owner_id"`
			Body    struct {
				PageCount int `json:"page_count" required:"true" doc:"Number of pages to collect, counting the current one"`
			}
		}) (*sessionOutput, error) {
			sess, err := svc.Start(ctx, input.OwnerID, input.Body.PageCount)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resume-session", Method: http.MethodPost, Path: "/api/v1/sessions/{owner_id}/resume", Summary: "Resume a session from its checkpoint", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *ownerInput) (*sessionOutput, error) {
			sess, err := svc.Resume(ctx, input.OwnerID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-session", Method: http.MethodPost, Path: "/api/v1/sessions/{owner_id}/cancel", Summary: "Cancel a session and tear down its workers", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *ownerInput) (*sessionOutput, error) {
			sess, err := svc.Cancel(ctx, input.OwnerID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/sessions/{owner_id}", Summary: "Get session state", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			OwnerID string `path:"owner_id"`
			Records bool   `query:"records" doc:"Include the collected records"`
		}) (*sessionOutput, error) {
			sess, err := svc.Session(input.OwnerID, input.Records)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	type exportOutput struct {
		Body export.Response
	}

	huma.Register(api, huma.Operation{OperationID: "export-session", Method: http.MethodPost, Path: "/api/v1/sessions/{owner_id}/export", Summary: "Export collected records to the sheet sink", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			OwnerID string `path:"owner_id"`
			Body    struct {
				Clear    bool   `json:"clear,omitempty" doc:"Clear the sheet before writing"`
				UniqueBy string `json:"unique_by,omitempty" doc:"Comma separated dedup columns: header names or 1-based indices"`
			}
		}) (*exportOutput, error) {
			opts := export.Options{Clear: input.Body.Clear}
			if input.Body.UniqueBy != "" {
				opts.UniqueBy = export.ParseSelectors(input.Body.UniqueBy)
			}
			resp, err := svc.Export(ctx, input.OwnerID, opts)
			if err != nil {
				return nil, mapErr(err)
			}
			return &exportOutput{Body: resp}, nil
		})

	type csvOutput struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}

	huma.Register(api, huma.Operation{OperationID: "download-records-csv", Method: http.MethodGet, Path: "/api/v1/sessions/{owner_id}/records.csv", Summary: "Download collected records as CSV", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *ownerInput) (*csvOutput, error) {
			var buf bytes.Buffer
			if err := svc.RecordsCSV(input.OwnerID, &buf); err != nil {
				return nil, mapErr(err)
			}
			return &csvOutput{
				ContentType:        "text/csv; charset=utf-8",
				ContentDisposition: fmt.Sprintf("attachment; filename=%q", "pagetrawl-"+input.OwnerID+".csv"),
				Body:               buf.Bytes(),
			}, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeSessionNotFound, types.CodeTabNotFound, types.CodeCheckpointMissing:
			return huma.Error404NotFound(coded.Message)
		case types.CodeSessionBusy, types.CodeStaleCheckpoint:
			return huma.Error409Conflict(coded.Message)
		case types.CodeEvalTimeout, types.CodeLockTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case types.CodeCDPUnavailable, types.CodeExportFailed, types.CodeWorkerCreation, types.CodeTransientDelivery:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
