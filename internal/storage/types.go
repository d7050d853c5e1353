package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultBatchLimit bounds ListBatches when the caller passes limit <= 0.
const DefaultBatchLimit = 50

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "file": JSON Lines journal next to Path
//   - "postgres": DSN in DSN
//   - "memory": nothing persisted
//
// If Driver is "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SentRecord is one delivered message. (ChatID, MessageID) is unique.
type SentRecord struct {
	BatchID         string    `json:"batch_id"`
	ChatID          int64     `json:"chat_id"`
	MessageID       int       `json:"message_id"`
	DestinationName string    `json:"destination_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// BatchSummary groups the records of one batch.
type BatchSummary struct {
	BatchID         string    `json:"batch_id"`
	CreatedAt       time.Time `json:"created_at"`
	DestinationName string    `json:"destination_name"`
	Count           int       `json:"count"`
}

type recordKey struct {
	chatID    int64
	messageID int
}

func (r SentRecord) key() recordKey { return recordKey{chatID: r.ChatID, messageID: r.MessageID} }

func stamp(r SentRecord) SentRecord {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Millisecond)
	return r
}
