package vectorindex

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryIndex keeps records in process and ranks them by brute force.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

func (m *MemoryIndex) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Vector = slices.Clone(r.Vector)
		r.Metadata = maps.Clone(r.Metadata)
		m.records[r.ID] = r
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	m.mu.RLock()
	matches := make([]Match, 0, len(m.records))
	for _, r := range m.records {
		matches = append(matches, Match{Record: r, Score: CosineSimilarity(vector, r.Vector)})
	}
	m.mu.RUnlock()
	slices.SortFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryIndex) DeleteByMetadata(_ context.Context, key, value string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.Metadata[key] == value {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored records.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
