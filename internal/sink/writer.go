// Package sink is the idempotent batch writer behind the sheet sink service.
// Every write runs under a store-wide lock, drops rows whose unique key is
// already present and appends the rest in one batch.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// DefaultLockWait bounds how long a write waits for the store lock.
const DefaultLockWait = 30 * time.Second

// Sheets stores named sheets as ordered rows. Row 0 is the header slot.
type Sheets interface {
	Rows(ctx context.Context, sheet string) ([][]string, error)
	Clear(ctx context.Context, sheet string) error
	// Append writes rows starting at row index at.
	Append(ctx context.Context, sheet string, at int, rows [][]string) error
	// Transact runs fn against a view whose changes become visible only if
	// fn returns nil and ctx is still live.
	Transact(ctx context.Context, fn func(tx Sheets) error) error
}

// Locker serializes writers. Acquire returns a LOCK_TIMEOUT error when the
// lock is not obtained within wait. The returned context ends when the lock
// is released or its lease runs out; work done under the lock must use it.
type Locker interface {
	Acquire(ctx context.Context, wait time.Duration) (held context.Context, release func(), err error)
}

type Writer struct {
	sheets   Sheets
	locker   Locker
	lockWait time.Duration
}

func NewWriter(sheets Sheets, locker Locker, lockWait time.Duration) *Writer {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Writer{sheets: sheets, locker: locker, lockWait: lockWait}
}

// Write merges req into sheet.
func (w *Writer) Write(ctx context.Context, sheet string, req export.Request) (export.Response, error) {
	if len(req.Values) == 0 {
		return export.Response{OK: true}, nil
	}

	held, release, err := w.locker.Acquire(ctx, w.lockWait)
	if err != nil {
		slog.Warn("sink lock not acquired", "sheet", sheet, "rows", len(req.Values), "error", err)
		return export.Response{}, err
	}
	defer release()

	var resp export.Response
	err = w.sheets.Transact(held, func(tx Sheets) error {
		var mergeErr error
		resp, mergeErr = merge(held, tx, sheet, req)
		return mergeErr
	})
	if err != nil {
		if ctx.Err() == nil && held.Err() != nil {
			slog.Warn("sink lock lease ran out, write rolled back", "sheet", sheet, "rows", len(req.Values), "error", err)
			return export.Response{}, types.NewError(types.CodeLockTimeout, "sheet lock lease expired before the write finished", err)
		}
		return export.Response{}, err
	}

	slog.Info("sink write", "sheet", sheet, "wrote", resp.Wrote, "skipped", resp.Skipped,
		"header_skipped", resp.HeaderSkipped, "total", resp.Total, "clear", req.Clear)
	return resp, nil
}

// merge is the locked critical section: optional clear, header seed, key
// set build and one batched append.
func merge(ctx context.Context, tx Sheets, sheet string, req export.Request) (export.Response, error) {
	if req.Clear {
		if err := tx.Clear(ctx, sheet); err != nil {
			return export.Response{}, fmt.Errorf("clear sheet %s: %w", sheet, err)
		}
	}

	rows, err := tx.Rows(ctx, sheet)
	if err != nil {
		return export.Response{}, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	header := currentHeader(rows)
	next := len(rows)
	if len(rows) == 0 && req.HasHeader {
		seed := append([]string(nil), req.Values[0]...)
		if err := tx.Append(ctx, sheet, 0, [][]string{seed}); err != nil {
			return export.Response{}, fmt.Errorf("write header to %s: %w", sheet, err)
		}
		header = seed
		next = 1
	}

	cols := resolveUniqueCols(req.UniqueBy, header)
	if len(cols) == 0 {
		cols = []int{0}
	}
	fold, trim := req.FoldCase(), req.TrimCells()

	keys := make(map[string]struct{})
	if len(rows) > 1 {
		for _, r := range rows[1:] {
			keys[makeKey(r, cols, fold, trim)] = struct{}{}
		}
	}

	var staged [][]string
	skipped, headerSkipped := 0, 0
	for _, row := range req.Values {
		if len(header) > 0 && rowsEqual(row, header) {
			headerSkipped++
			continue
		}
		key := makeKey(row, cols, fold, trim)
		if key == "" {
			continue
		}
		if _, dup := keys[key]; dup {
			skipped++
			continue
		}
		staged = append(staged, row)
		keys[key] = struct{}{}
	}

	if len(staged) > 0 {
		if err := tx.Append(ctx, sheet, next, staged); err != nil {
			return export.Response{}, fmt.Errorf("append to %s: %w", sheet, err)
		}
	}

	return export.Response{
		OK:            true,
		Wrote:         len(staged),
		Skipped:       skipped,
		HeaderSkipped: headerSkipped,
		Total:         len(req.Values),
	}, nil
}

// currentHeader returns the first row when any of its cells is non-blank.
func currentHeader(rows [][]string) []string {
	if len(rows) == 0 {
		return nil
	}
	for _, v := range rows[0] {
		if strings.TrimSpace(v) != "" {
			return rows[0]
		}
	}
	return nil
}

// resolveUniqueCols maps selectors to column indexes. Names match header
// cells trimmed and case-insensitively. Numbers of 1 or more are 1-based,
// 0 is the first column, negatives are dropped.
func resolveUniqueCols(selectors []export.Selector, header []string) []int {
	if len(selectors) == 0 {
		return nil
	}
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[strings.ToLower(strings.TrimSpace(h))] = i
	}

	seen := make(map[int]bool)
	var cols []int
	add := func(i int) {
		if i >= 0 && !seen[i] {
			seen[i] = true
			cols = append(cols, i)
		}
	}
	for _, s := range selectors {
		if s.IsIndex {
			i := s.Index
			if i >= 1 {
				i--
			}
			add(i)
			continue
		}
		if i, ok := byName[strings.ToLower(strings.TrimSpace(s.Name))]; ok {
			add(i)
		}
	}
	return cols
}

func makeKey(row []string, cols []int, fold, trim bool) string {
	if len(row) == 0 || len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		var v string
		if c < len(row) {
			v = row[c]
		}
		if trim {
			v = strings.TrimSpace(v)
		}
		if fold {
			v = strings.ToLower(v)
		}
		parts[i] = v
	}
	return strings.TrimSpace(strings.Join(parts, "||"))
}

// rowsEqual compares rows cell by cell, trimmed and case-insensitively.
func rowsEqual(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.ToLower(strings.TrimSpace(a[i])) != strings.ToLower(strings.TrimSpace(b[i])) {
			return false
		}
	}
	return true
}
