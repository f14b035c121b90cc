package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory. Used for dry runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	rec    Record
	trades []Trade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Load(ctx context.Context) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec := m.rec
	rec.State = rec.State.Clone()
	return rec, nil
}

func (m *MemoryStore) Commit(ctx context.Context, rec Record, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
	m.rec.State = rec.State.Clone()
	if trade != nil {
		t := *trade
		t.ID = int64(len(m.trades) + 1)
		m.trades = append(m.trades, t)
	}
	return nil
}

func (m *MemoryStore) Trades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Trade, 0, limit)
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.trades[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
