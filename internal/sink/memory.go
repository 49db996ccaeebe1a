package sink

import (
	"context"
	"sync"
)

// MemorySheets keeps sheets in process memory.
type MemorySheets struct {
	mu     sync.RWMutex
	sheets map[string][][]string
}

func NewMemorySheets() *MemorySheets {
	return &MemorySheets{sheets: make(map[string][][]string)}
}

func (m *MemorySheets) Rows(_ context.Context, sheet string) ([][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.sheets[sheet]
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out, nil
}

func (m *MemorySheets) Clear(_ context.Context, sheet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sheets, sheet)
	return nil
}

func (m *MemorySheets) Append(_ context.Context, sheet string, at int, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.sheets[sheet]
	for len(cur) < at {
		cur = append(cur, nil)
	}
	cur = cur[:at]
	for _, r := range rows {
		cur = append(cur, append([]string(nil), r...))
	}
	m.sheets[sheet] = cur
	return nil
}

// Transact runs fn against a private copy of every sheet and swaps the copy
// in when fn succeeds.
func (m *MemorySheets) Transact(ctx context.Context, fn func(tx Sheets) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemorySheets{sheets: make(map[string][][]string, len(m.sheets))}
	for name, rows := range m.sheets {
		cp := make([][]string, len(rows))
		for i, r := range rows {
			cp[i] = append([]string(nil), r...)
		}
		tx.sheets[name] = cp
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.sheets = tx.sheets
	return nil
}
