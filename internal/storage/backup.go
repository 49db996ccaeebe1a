package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/types"
	"gopkg.in/natefinch/lumberjack.v2"
)

// backupEntry is one JSON line of a record backup file.
type backupEntry struct {
	OwnerID string         `json:"ownerId"`
	Page    int            `json:"page"`
	SavedAt time.Time      `json:"savedAt"`
	Records []types.Record `json:"records"`
}

// RecordBackup appends full record snapshots to a rotating JSONL file per
// owner. The last line of the active file is the current backup.
type RecordBackup struct {
	dir       string
	maxSizeMB int
	writers   map[string]*lumberjack.Logger
	mu        sync.Mutex
}

// NewRecordBackup creates a RecordBackup rooted at dir.
func NewRecordBackup(dir string, maxSizeMB int) (*RecordBackup, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record backup: mkdir %s: %w", dir, err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	return &RecordBackup{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		writers:   make(map[string]*lumberjack.Logger),
	}, nil
}

func (b *RecordBackup) filename(ownerID string) string {
	return filepath.Join(b.dir, "backup_"+ownerID+".jsonl")
}

func (b *RecordBackup) writer(ownerID string) *lumberjack.Logger {
	if w, ok := b.writers[ownerID]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   b.filename(ownerID),
		MaxSize:    b.maxSizeMB,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   false,
		LocalTime:  false,
	}
	b.writers[ownerID] = w
	slog.Debug("opened record backup", "owner_id", ownerID, "file", w.Filename)
	return w
}

// Save appends a snapshot of records taken at page.
func (b *RecordBackup) Save(ownerID string, page int, records []types.Record) error {
	if ownerID == "" || filepath.Base(ownerID) != ownerID {
		return fmt.Errorf("record backup: invalid owner id %q", ownerID)
	}
	if records == nil {
		records = []types.Record{}
	}
	data, err := json.Marshal(backupEntry{
		OwnerID: ownerID,
		Page:    page,
		SavedAt: time.Now().UTC(),
		Records: records,
	})
	if err != nil {
		return fmt.Errorf("record backup: marshal: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.writer(ownerID).Write(append(data, '\n')); err != nil {
		return fmt.Errorf("record backup: write: %w", err)
	}
	return nil
}

// Load returns the most recent snapshot for ownerID.
func (b *RecordBackup) Load(ownerID string) (int, []types.Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.filename(ownerID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("record backup: read: %w", err)
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return 0, nil, false, nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}

	var entry backupEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return 0, nil, false, fmt.Errorf("record backup: unmarshal: %w", err)
	}
	return entry.Page, entry.Records, true, nil
}

// Remove closes and deletes every backup file for ownerID. Idempotent.
func (b *RecordBackup) Remove(ownerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[ownerID]; ok {
		_ = w.Close()
		delete(b.writers, ownerID)
	}

	// Rotated files are named backup_<owner>-<timestamp>.jsonl.
	rotated, err := filepath.Glob(filepath.Join(b.dir, "backup_"+ownerID+"-*.jsonl"))
	if err != nil {
		return fmt.Errorf("record backup: glob: %w", err)
	}
	for _, path := range append(rotated, b.filename(ownerID)) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("record backup: remove: %w", err)
		}
	}
	return nil
}

// Close closes all open backup files.
func (b *RecordBackup) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for id, w := range b.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.writers, id)
	}
	return firstErr
}
