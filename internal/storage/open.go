package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "carposter/pkg/logx"
)

// Store is the record store used by the publisher and the cleanup routines.
type Store interface {
	// AppendSent stores r. A duplicate (ChatID, MessageID) is ignored.
	AppendSent(ctx context.Context, r SentRecord) error
	MessagesByBatch(ctx context.Context, batchID string) ([]SentRecord, error)
	AllMessages(ctx context.Context) ([]SentRecord, error)
	DeleteBatch(ctx context.Context, batchID string) error
	// DeleteMessages removes exactly the given (ChatID, MessageID) rows.
	DeleteMessages(ctx context.Context, recs []SentRecord) error
	// ListBatches returns summaries newest first.
	ListBatches(ctx context.Context, limit int) ([]BatchSummary, error)
	// BatchesBefore lists batch ids whose first record is older than t.
	BatchesBefore(ctx context.Context, t time.Time) ([]string, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultBatchLimit
	}
	return limit
}
