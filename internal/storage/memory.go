package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps records in process memory. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	records []SentRecord
	seen    map[recordKey]struct{}
}

func NewMemory() *Memory {
	return &Memory{seen: map[recordKey]struct{}{}}
}

func (m *Memory) AppendSent(ctx context.Context, r SentRecord) error {
	_ = ctx
	r = stamp(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[r.key()]; dup {
		return nil
	}
	m.seen[r.key()] = struct{}{}
	m.records = append(m.records, r)
	return nil
}

func (m *Memory) MessagesByBatch(ctx context.Context, batchID string) ([]SentRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterBatch(m.records, batchID), nil
}

func (m *Memory) AllMessages(ctx context.Context) ([]SentRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentRecord(nil), m.records...), nil
}

func (m *Memory) DeleteBatch(ctx context.Context, batchID string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = dropBatch(m.records, batchID)
	m.reindexLocked()
	return nil
}

func (m *Memory) DeleteMessages(ctx context.Context, recs []SentRecord) error {
	_ = ctx
	if len(recs) == 0 {
		return nil
	}
	drop := make(map[recordKey]struct{}, len(recs))
	for _, r := range recs {
		drop[r.key()] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.records[:0]
	for _, r := range m.records {
		if _, ok := drop[r.key()]; !ok {
			out = append(out, r)
		}
	}
	m.records = out
	m.reindexLocked()
	return nil
}

func (m *Memory) ListBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return summarize(m.records, clampLimit(limit)), nil
}

func (m *Memory) BatchesBefore(ctx context.Context, t time.Time) ([]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return batchesBefore(m.records, t), nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) reindexLocked() {
	m.seen = make(map[recordKey]struct{}, len(m.records))
	for _, r := range m.records {
		m.seen[r.key()] = struct{}{}
	}
}

func filterBatch(rs []SentRecord, batchID string) []SentRecord {
	var out []SentRecord
	for _, r := range rs {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out
}

func dropBatch(rs []SentRecord, batchID string) []SentRecord {
	out := rs[:0]
	for _, r := range rs {
		if r.BatchID != batchID {
			out = append(out, r)
		}
	}
	return out
}

// summarize groups records by batch. CreatedAt is the earliest record and
// DestinationName the greatest non-empty name, as the SQL drivers compute.
func summarize(rs []SentRecord, limit int) []BatchSummary {
	idx := map[string]int{}
	var out []BatchSummary
	for _, r := range rs {
		i, ok := idx[r.BatchID]
		if !ok {
			idx[r.BatchID] = len(out)
			out = append(out, BatchSummary{BatchID: r.BatchID, CreatedAt: r.CreatedAt, DestinationName: r.DestinationName, Count: 1})
			continue
		}
		s := &out[i]
		s.Count++
		if r.CreatedAt.Before(s.CreatedAt) {
			s.CreatedAt = r.CreatedAt
		}
		if r.DestinationName > s.DestinationName {
			s.DestinationName = r.DestinationName
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func batchesBefore(rs []SentRecord, t time.Time) []string {
	var out []string
	for _, s := range summarize(rs, len(rs)+1) {
		if s.CreatedAt.Before(t) {
			out = append(out, s.BatchID)
		}
	}
	sort.Strings(out)
	return out
}
