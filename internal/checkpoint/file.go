package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var ownerRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func validateOwner(id string) error {
	if !ownerRe.MatchString(id) {
		return fmt.Errorf("invalid owner id: %q", id)
	}
	return nil
}

// FileStore keeps one JSON file per owner.
type FileStore struct {
	dir      string
	maxBytes int
	mu       sync.RWMutex
}

// NewFileStore creates a FileStore and ensures the directory exists.
// maxBytes <= 0 disables the quota.
func NewFileStore(dir string, maxBytes int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint store: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, maxBytes: maxBytes}, nil
}

func (s *FileStore) path(ownerID string) string {
	return filepath.Join(s.dir, "scrapingState_"+ownerID+".json")
}

func (s *FileStore) Get(_ context.Context, ownerID string) (Checkpoint, bool, error) {
	if err := validateOwner(ownerID); err != nil {
		return Checkpoint{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(ownerID))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("checkpoint store: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint store: unmarshal: %w", err)
	}
	return cp, true, nil
}

func (s *FileStore) Set(_ context.Context, cp Checkpoint) error {
	if err := validateOwner(cp.OwnerID); err != nil {
		return err
	}
	data, err := encode(cp, s.maxBytes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.path(cp.OwnerID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint store: write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint store: rename: %w", err)
	}
	return nil
}

// Delete is idempotent.
func (s *FileStore) Delete(_ context.Context, ownerID string) error {
	if err := validateOwner(ownerID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(ownerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint store: delete: %w", err)
	}
	return nil
}
