// Package checkpoint persists scraping session progress per owning tab so a
// reload or crash of the controller resumes from the last observed state.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// DefaultMaxBytes mirrors the per-item quota of browser extension storage.
const DefaultMaxBytes = 5 * 1024 * 1024

// Checkpoint is a durable snapshot of a session.
type Checkpoint struct {
	OwnerID            string         `json:"ownerId"`
	IsMultiPage        bool           `json:"isMultiPage"`
	StartPage          int            `json:"startPage"`
	CurrentPage        int            `json:"currentPage"`
	EndPage            int            `json:"endPage"`
	Columns            []string       `json:"columns,omitempty"`
	AccumulatedRecords []types.Record `json:"accumulatedRecords"`
	Timestamp          time.Time      `json:"timestamp"`
	BaseURL            string         `json:"baseUrl"`
	IsMinimal          bool           `json:"isMinimal,omitempty"`
}

// Minimal returns the reduced variant without the record payload.
func (c Checkpoint) Minimal() Checkpoint {
	m := c
	m.AccumulatedRecords = []types.Record{}
	m.IsMinimal = true
	return m
}

// Age returns how long ago the checkpoint was taken.
func (c Checkpoint) Age(now time.Time) time.Duration {
	return now.Sub(c.Timestamp)
}

// Store is durable key/value persistence keyed by owner.
type Store interface {
	Get(ctx context.Context, ownerID string) (Checkpoint, bool, error)
	Set(ctx context.Context, cp Checkpoint) error
	Delete(ctx context.Context, ownerID string) error
}

// Backup keeps a secondary copy of the record payload for checkpoints that
// had to be stored without it.
type Backup interface {
	Save(ownerID string, page int, records []types.Record) error
	Load(ownerID string) (page int, records []types.Record, ok bool, err error)
	Remove(ownerID string) error
}

func encode(cp Checkpoint, maxBytes int) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, types.NewError(types.CodeQuotaExceeded,
			fmt.Sprintf("checkpoint for %s is %d bytes (quota %d)", cp.OwnerID, len(data), maxBytes), nil)
	}
	return data, nil
}

// Persist writes cp to store. When the store rejects it for size, the
// records go to backup and a minimal checkpoint is written instead.
func Persist(ctx context.Context, store Store, backup Backup, cp Checkpoint) error {
	err := store.Set(ctx, cp)
	if err == nil {
		return nil
	}
	if !types.HasCode(err, types.CodeQuotaExceeded) {
		return err
	}

	slog.Warn("checkpoint quota exceeded, saving minimal state",
		"owner_id", cp.OwnerID, "records", len(cp.AccumulatedRecords), "error", err)
	if backup == nil {
		return err
	}
	if berr := backup.Save(cp.OwnerID, cp.CurrentPage, cp.AccumulatedRecords); berr != nil {
		return fmt.Errorf("checkpoint: backup records: %w", berr)
	}
	return store.Set(ctx, cp.Minimal())
}

// Restore returns the records a checkpoint stands for, reading the backup for
// minimal checkpoints. A backup taken at a different page is not trusted.
func Restore(cp Checkpoint, backup Backup) ([]types.Record, error) {
	if !cp.IsMinimal {
		return cp.AccumulatedRecords, nil
	}
	if backup == nil {
		return nil, types.NewError(types.CodeCheckpointMissing, "minimal checkpoint without backup store", nil)
	}
	page, records, ok, err := backup.Load(cp.OwnerID)
	if err != nil {
		return nil, err
	}
	if !ok || page != cp.CurrentPage {
		return nil, types.NewError(types.CodeCheckpointMissing,
			fmt.Sprintf("no record backup for %s at page %d", cp.OwnerID, cp.CurrentPage), nil)
	}
	return records, nil
}
