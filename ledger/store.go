package ledger

import (
	"context"
	"slices"
	"sync"
)

// Record is one persisted event.
type Record struct {
	_ struct{} `cbor:",toarray"`

	Seq   uint64
	Epoch uint64
	Data  []byte
}

// Snapshot is the persisted account state after the event at Seq.
type Snapshot struct {
	_ struct{} `cbor:",toarray"`

	Seq   uint64
	State []byte
}

// Store persists the event log and the latest state snapshot.
type Store interface {
	// Append writes rec and snap atomically.
	Append(ctx context.Context, rec Record, snap Snapshot) error
	// Snapshot returns the latest snapshot; ok is false for a new store.
	Snapshot(ctx context.Context) (snap Snapshot, ok bool, err error)
	// Records returns every record with Seq >= from, in order.
	Records(ctx context.Context, from uint64) ([]Record, error)
	// Prune deletes records with Epoch < before and reports how many were
	// removed.
	Prune(ctx context.Context, before uint64) (int, error)
	Close() error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	snap    *Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec Record, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Data = slices.Clone(rec.Data)
	snap.State = slices.Clone(snap.State)
	m.records = append(m.records, rec)
	m.snap = &snap
	return nil
}

func (m *MemoryStore) Snapshot(context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return Snapshot{}, false, nil
	}
	return *m.snap, true, nil
}

func (m *MemoryStore) Records(_ context.Context, from uint64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Seq >= from {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, before uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if r.Epoch >= before {
			kept = append(kept, r)
		}
	}
	removed := len(m.records) - len(kept)
	m.records = kept
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
