package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// Options controls a records export.
type Options struct {
	UniqueBy        []Selector
	Clear           bool
	CaseInsensitive *bool
	Trim            *bool
}

// Client posts write requests to the sheet sink.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a client for the sink write endpoint, for example
// http://127.0.0.1:8190/api/v1/sheets/default/rows.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{endpoint: strings.TrimSpace(endpoint), http: httpClient}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// ExportRecords flattens records with a header row and writes them.
func (c *Client) ExportRecords(ctx context.Context, records []types.Record, columns []string, opts Options) (Response, error) {
	values := Flatten(records, columns)
	if len(values) == 0 {
		return Response{OK: true}, nil
	}
	return c.Write(ctx, Request{
		Values:          values,
		UniqueBy:        opts.UniqueBy,
		CaseInsensitive: opts.CaseInsensitive,
		Trim:            opts.Trim,
		Clear:           opts.Clear,
		HasHeader:       true,
	})
}

// Write sends one request to the sink.
func (c *Client) Write(ctx context.Context, req Request) (Response, error) {
	if !c.Enabled() {
		return Response{}, types.NewError(types.CodeExportFailed, "export endpoint not configured", nil)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("export: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, types.NewError(types.CodeExportFailed, "build export request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, types.NewError(types.CodeExportFailed, "export request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, types.NewError(types.CodeExportFailed, "read export response", err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, types.NewError(types.CodeExportFailed,
			fmt.Sprintf("export response status=%d not json", resp.StatusCode), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.OK {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status=%d", resp.StatusCode)
		}
		return out, types.NewError(types.CodeExportFailed, "sink rejected write: "+msg, nil)
	}

	slog.Info("export written", "wrote", out.Wrote, "skipped", out.Skipped,
		"header_skipped", out.HeaderSkipped, "total", out.Total)
	return out, nil
}
