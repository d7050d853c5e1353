package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "carposter/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.sent.jsonl (append-only journal of adds and tombstones)
//
// The journal is replayed into memory and compacted on open, so deleted
// batches do not survive a restart on disk.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	journal *os.File
	mem     *Memory
}

const (
	opAdd    = "add"
	opDel    = "del"
	opDelMsg = "del_msg"
)

type journalEntry struct {
	Op       string       `json:"op"`
	Record   *SentRecord  `json:"record,omitempty"`
	BatchID  string       `json:"batch_id,omitempty"`
	Messages []messageRef `json:"messages,omitempty"`
}

type messageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base) + ".sent.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	skipped, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped corrupt journal lines", logx.String("path", journalPath), logx.Int("lines", skipped))
	}
	if err := writeSnapshot(journalPath, mem.records); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: journalPath, journal: jf, mem: mem}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) append(e journalEntry) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	return json.NewEncoder(s.journal).Encode(e)
}

func (s *fileStore) AppendSent(ctx context.Context, r SentRecord) error {
	r = stamp(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.mu.Lock()
	_, dup := s.mem.seen[r.key()]
	s.mem.mu.Unlock()
	if dup {
		return nil
	}
	if err := s.append(journalEntry{Op: opAdd, Record: &r}); err != nil {
		return err
	}
	return s.mem.AppendSent(ctx, r)
}

func (s *fileStore) MessagesByBatch(ctx context.Context, batchID string) ([]SentRecord, error) {
	return s.mem.MessagesByBatch(ctx, batchID)
}

func (s *fileStore) AllMessages(ctx context.Context) ([]SentRecord, error) {
	return s.mem.AllMessages(ctx)
}

func (s *fileStore) DeleteBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(journalEntry{Op: opDel, BatchID: batchID}); err != nil {
		return err
	}
	return s.mem.DeleteBatch(ctx, batchID)
}

func (s *fileStore) DeleteMessages(ctx context.Context, recs []SentRecord) error {
	if len(recs) == 0 {
		return nil
	}
	refs := make([]messageRef, len(recs))
	for i, r := range recs {
		refs[i] = messageRef{ChatID: r.ChatID, MessageID: r.MessageID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(journalEntry{Op: opDelMsg, Messages: refs}); err != nil {
		return err
	}
	return s.mem.DeleteMessages(ctx, recs)
}

func (s *fileStore) ListBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	return s.mem.ListBatches(ctx, limit)
}

func (s *fileStore) BatchesBefore(ctx context.Context, t time.Time) ([]string, error) {
	return s.mem.BatchesBefore(ctx, t)
}

func replayJournal(path string, mem *Memory) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			skipped++
			continue
		}
		switch e.Op {
		case opAdd:
			if e.Record != nil {
				_ = mem.AppendSent(ctx, *e.Record)
			}
		case opDel:
			_ = mem.DeleteBatch(ctx, e.BatchID)
		case opDelMsg:
			recs := make([]SentRecord, len(e.Messages))
			for i, m := range e.Messages {
				recs[i] = SentRecord{ChatID: m.ChatID, MessageID: m.MessageID}
			}
			_ = mem.DeleteMessages(ctx, recs)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}

// writeSnapshot rewrites the journal as plain adds.
func writeSnapshot(path string, records []SentRecord) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(journalEntry{Op: opAdd, Record: &records[i]}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
