package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "carposter/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sent_messages (
	id               BIGSERIAL PRIMARY KEY,
	batch_id         TEXT        NOT NULL,
	chat_id          BIGINT      NOT NULL,
	message_id       BIGINT      NOT NULL,
	destination_name TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(chat_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_sent_messages_batch ON sent_messages(batch_id);
CREATE INDEX IF NOT EXISTS idx_sent_messages_created ON sent_messages(created_at);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) AppendSent(ctx context.Context, r SentRecord) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	r = stamp(r)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sent_messages(batch_id, chat_id, message_id, destination_name, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id, message_id) DO NOTHING`,
		r.BatchID, r.ChatID, r.MessageID, nullStr(r.DestinationName), r.CreatedAt,
	)
	return err
}

func (s *postgresStore) MessagesByBatch(ctx context.Context, batchID string) ([]SentRecord, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	return s.query(ctx,
		`SELECT batch_id, chat_id, message_id, destination_name, created_at
		 FROM sent_messages WHERE batch_id = $1 ORDER BY id`, batchID)
}

func (s *postgresStore) AllMessages(ctx context.Context) ([]SentRecord, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	return s.query(ctx,
		`SELECT batch_id, chat_id, message_id, destination_name, created_at
		 FROM sent_messages ORDER BY id`)
}

func (s *postgresStore) query(ctx context.Context, q string, args ...any) ([]SentRecord, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SentRecord
	for rows.Next() {
		var (
			r    SentRecord
			name *string
			mid  int64
		)
		if err := rows.Scan(&r.BatchID, &r.ChatID, &mid, &name, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.MessageID = int(mid)
		if name != nil {
			r.DestinationName = *name
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteBatch(ctx context.Context, batchID string) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM sent_messages WHERE batch_id = $1`, batchID)
	return err
}

func (s *postgresStore) DeleteMessages(ctx context.Context, recs []SentRecord) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if len(recs) == 0 {
		return nil
	}
	chats := make([]int64, len(recs))
	msgs := make([]int64, len(recs))
	for i, r := range recs {
		chats[i] = r.ChatID
		msgs[i] = int64(r.MessageID)
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM sent_messages
		 WHERE (chat_id, message_id) IN (SELECT * FROM unnest($1::bigint[], $2::bigint[]))`,
		chats, msgs)
	return err
}

func (s *postgresStore) ListBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, MIN(created_at) AS first_at, COALESCE(MAX(destination_name), ''), COUNT(message_id)
		 FROM sent_messages
		 GROUP BY batch_id
		 ORDER BY first_at DESC
		 LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (BatchSummary, error) {
		var (
			b BatchSummary
			n int64
		)
		err := row.Scan(&b.BatchID, &b.CreatedAt, &b.DestinationName, &n)
		b.Count = int(n)
		return b, err
	})
}

func (s *postgresStore) BatchesBefore(ctx context.Context, t time.Time) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id FROM sent_messages
		 GROUP BY batch_id
		 HAVING MIN(created_at) < $1
		 ORDER BY batch_id`, t)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
