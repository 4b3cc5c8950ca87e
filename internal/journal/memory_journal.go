package journal

import (
	"context"
	"sort"
	"sync"
)

// MemoryJournal keeps session history for the lifetime of the process.
type MemoryJournal struct {
	mutex   sync.Mutex
	records map[string]SessionRecord
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]SessionRecord)}
}

func (store *MemoryJournal) Record(ctx context.Context, record SessionRecord) error {
	if record.SessionID == "" {
		return ErrEmptySessionID
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if existing, ok := store.records[record.SessionID]; ok {
		existing.Outcome = record.Outcome
		existing.FinishedAt = record.FinishedAt
		store.records[record.SessionID] = existing
		return nil
	}
	store.records[record.SessionID] = record
	return nil
}

func (store *MemoryJournal) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	records := make([]SessionRecord, 0, len(store.records))
	for _, record := range store.records {
		records = append(records, record)
	}
	sort.Slice(records, func(left, right int) bool {
		return records[left].StartedAt.After(records[right].StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
