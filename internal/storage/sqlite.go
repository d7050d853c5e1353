package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "carposter/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultSQLitePath = "data/history.db"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendSent(ctx context.Context, r SentRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r = stamp(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_messages(batch_id, chat_id, message_id, destination_name, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id, message_id) DO NOTHING`,
		r.BatchID, r.ChatID, r.MessageID, nullStr(r.DestinationName), r.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) MessagesByBatch(ctx context.Context, batchID string) ([]SentRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.query(ctx,
		`SELECT batch_id, chat_id, message_id, destination_name, created_at
		 FROM sent_messages WHERE batch_id = ? ORDER BY id`, batchID)
}

func (s *sqliteStore) AllMessages(ctx context.Context) ([]SentRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.query(ctx,
		`SELECT batch_id, chat_id, message_id, destination_name, created_at
		 FROM sent_messages ORDER BY id`)
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]SentRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SentRecord
	for rows.Next() {
		var (
			r    SentRecord
			name sql.NullString
			ms   int64
		)
		if err := rows.Scan(&r.BatchID, &r.ChatID, &r.MessageID, &name, &ms); err != nil {
			return nil, err
		}
		r.DestinationName = name.String
		r.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteBatch(ctx context.Context, batchID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sent_messages WHERE batch_id = ?`, batchID)
	return err
}

func (s *sqliteStore) DeleteMessages(ctx context.Context, recs []SentRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM sent_messages WHERE chat_id = ? AND message_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.ChatID, r.MessageID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, MIN(created_at) AS first_at, MAX(destination_name), COUNT(message_id)
		 FROM sent_messages
		 GROUP BY batch_id
		 ORDER BY first_at DESC
		 LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchSummary
	for rows.Next() {
		var (
			b    BatchSummary
			name sql.NullString
			ms   int64
		)
		if err := rows.Scan(&b.BatchID, &ms, &name, &b.Count); err != nil {
			return nil, err
		}
		b.CreatedAt = time.UnixMilli(ms).UTC()
		b.DestinationName = name.String
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) BatchesBefore(ctx context.Context, t time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id FROM sent_messages
		 GROUP BY batch_id
		 HAVING MIN(created_at) < ?
		 ORDER BY batch_id`, t.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
