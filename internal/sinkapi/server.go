// Package sinkapi serves the sheet sink's write endpoint.
package sinkapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Writer applies one write request to a sheet.
type Writer interface {
	Write(ctx context.Context, sheet string, req export.Request) (export.Response, error)
}

type writeOutput struct {
	Status int
	Body   export.Response
}

// envelopeError renders huma's own request errors (bad JSON, schema
// validation) as the sink's {ok:false, error} response.
type envelopeError struct {
	status int
	msg    string
}

func (e *envelopeError) Error() string  { return e.msg }
func (e *envelopeError) GetStatus() int { return e.status }

func (e *envelopeError) MarshalJSON() ([]byte, error) {
	return json.Marshal(export.Response{Error: e.msg})
}

func newEnvelopeError(status int, msg string, errs ...error) huma.StatusError {
	parts := []string{msg}
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	return &envelopeError{status: status, msg: strings.Join(parts, ": ")}
}

// NewServer builds the sink HTTP API. Requests without a sheet go to
// defaultSheet. It replaces huma.NewError, so the sink's error shape applies
// to every huma API in the process.
func NewServer(w Writer, defaultSheet string) http.Handler {
	huma.NewError = newEnvelopeError

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("pagetrawl Sheet Sink API", "1.0.0")
	api := humachi.New(router, cfg)

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

	huma.Register(api, huma.Operation{OperationID: "append-rows", Method: http.MethodPost, Path: "/api/v1/sheets/{sheet}/rows", Summary: "Append rows with dedup against the sheet", Tags: []string{"Sheets"}},
		func(ctx context.Context, input *struct {
			Sheet string `path:"sheet"`
			Body  export.Request
		}) (*writeOutput, error) {
			return write(ctx, w, input.Sheet, input.Body), nil
		})

	huma.Register(api, huma.Operation{OperationID: "write-default-sheet", Method: http.MethodPost, Path: "/api/v1/write", Summary: "Append rows to the default sheet", Tags: []string{"Sheets"}},
		func(ctx context.Context, input *struct {
			Body export.Request
		}) (*writeOutput, error) {
			return write(ctx, w, defaultSheet, input.Body), nil
		})

	return router
}

// write keeps failures inside the {ok:false, error} envelope so callers
// always get the wire response shape.
func write(ctx context.Context, w Writer, sheet string, req export.Request) *writeOutput {
	sheet = strings.TrimSpace(sheet)
	if sheet == "" {
		return &writeOutput{Status: http.StatusBadRequest, Body: export.Response{Error: "sheet is required"}}
	}
	resp, err := w.Write(ctx, sheet, req)
	if err != nil {
		slog.Warn("sheet write failed", "sheet", sheet, "rows", len(req.Values), "error", err)
		return &writeOutput{Status: statusFor(err), Body: export.Response{Error: err.Error()}}
	}
	return &writeOutput{Status: http.StatusOK, Body: resp}
}

func statusFor(err error) int {
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch coded.Code {
	case types.CodeValidation:
		return http.StatusBadRequest
	case types.CodeLockTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
