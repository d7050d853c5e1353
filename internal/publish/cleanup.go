package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carposter/internal/delivery"
	"carposter/internal/storage"
	kit "carposter/internal/transport"
	logx "carposter/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	// DefaultDeleteRate paces bulk message deletion.
	DefaultDeleteRate = 20
	// deleteAttempts bounds flood-limit retries for one message.
	deleteAttempts = 3
)

// ErrBatchNotFound is returned when a batch has no recorded messages.
var ErrBatchNotFound = errors.New("batch not found or already deleted")

// CleanupResult reports one cleanup run.
type CleanupResult struct {
	Batches int `json:"batches"`
	Total   int `json:"total"`
	Deleted int `json:"deleted"`
}

// Cleaner deletes recorded messages from the platform and then forgets them.
type Cleaner struct {
	store  storage.Store
	dialer kit.Dialer
	log    logx.Logger
	limit  *rate.Limiter
	now    func() time.Time
	sleep  delivery.SleepFunc
}

// NewCleaner returns a cleaner that deletes at most perSecond messages per
// second during bulk runs. perSecond <= 0 uses DefaultDeleteRate.
func NewCleaner(store storage.Store, dialer kit.Dialer, log logx.Logger, perSecond float64) *Cleaner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if perSecond <= 0 {
		perSecond = DefaultDeleteRate
	}
	return &Cleaner{
		store:  store,
		dialer: dialer,
		log:    log,
		limit:  rate.NewLimiter(rate.Limit(perSecond), 1),
		now:    time.Now,
		sleep:  delivery.Sleep,
	}
}

// SetRate changes the bulk delete pace. perSecond <= 0 restores the default.
func (c *Cleaner) SetRate(perSecond float64) {
	if perSecond <= 0 {
		perSecond = DefaultDeleteRate
	}
	c.limit.SetLimit(rate.Limit(perSecond))
}

// CleanupBatch deletes every message of one batch. Messages the platform
// refuses to delete are skipped; the batch rows are removed regardless.
func (c *Cleaner) CleanupBatch(ctx context.Context, batchID string) (int, error) {
	recs, err := c.store.MessagesByBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if len(recs) == 0 {
		return 0, ErrBatchNotFound
	}
	deleted, err := c.deleteAll(ctx, recs, false)
	if err != nil {
		return deleted, err
	}
	if err := c.store.DeleteBatch(ctx, batchID); err != nil {
		return deleted, fmt.Errorf("forget batch %s: %w", batchID, err)
	}
	c.log.Info("batch cleaned up",
		logx.String("batch", batchID),
		logx.Int("deleted", deleted),
		logx.Int("recorded", len(recs)))
	return deleted, nil
}

// CleanupAll deletes every recorded message, paced, then forgets exactly the
// rows it loaded. Rows appended by a batch running meanwhile are kept.
func (c *Cleaner) CleanupAll(ctx context.Context) (CleanupResult, error) {
	c.log.Warn("global cleanup started")
	recs, err := c.store.AllMessages(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("load messages: %w", err)
	}
	if len(recs) == 0 {
		c.log.Info("nothing to delete")
		return CleanupResult{}, nil
	}
	res := CleanupResult{Batches: countBatches(recs), Total: len(recs)}
	res.Deleted, err = c.deleteAll(ctx, recs, true)
	if err != nil {
		return res, err
	}
	if err := c.store.DeleteMessages(ctx, recs); err != nil {
		return res, fmt.Errorf("forget messages: %w", err)
	}
	c.log.Info("global cleanup finished",
		logx.Int("deleted", res.Deleted),
		logx.Int("recorded", res.Total))
	return res, nil
}

// PruneOlderThan cleans up every batch whose first message is older than age.
func (c *Cleaner) PruneOlderThan(ctx context.Context, age time.Duration) (CleanupResult, error) {
	ids, err := c.store.BatchesBefore(ctx, c.now().Add(-age))
	if err != nil {
		return CleanupResult{}, fmt.Errorf("list expired batches: %w", err)
	}
	var res CleanupResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		recs, err := c.store.MessagesByBatch(ctx, id)
		if err != nil {
			return res, fmt.Errorf("load batch %s: %w", id, err)
		}
		n, err := c.deleteAll(ctx, recs, true)
		res.Deleted += n
		if err != nil {
			return res, err
		}
		if err := c.store.DeleteBatch(ctx, id); err != nil {
			return res, fmt.Errorf("forget batch %s: %w", id, err)
		}
		res.Batches++
		res.Total += len(recs)
	}
	if res.Batches > 0 {
		c.log.Info("expired batches pruned",
			logx.Int("batches", res.Batches),
			logx.Int("deleted", res.Deleted),
			logx.Duration("older_than", age))
	}
	return res, nil
}

func (c *Cleaner) deleteAll(ctx context.Context, recs []storage.SentRecord, paced bool) (int, error) {
	session, err := c.dialer.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open delivery session: %w", err)
	}
	defer session.Close()

	deleted := 0
	for _, r := range recs {
		if paced {
			if err := c.limit.Wait(ctx); err != nil {
				return deleted, err
			}
		}
		ref := kit.MessageRef{ChatID: r.ChatID, MessageID: r.MessageID}
		if err := c.deleteOne(ctx, session, ref); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return deleted, ctxErr
			}
			c.log.Debug("message delete failed",
				logx.Int64("chat", r.ChatID),
				logx.Int("message", r.MessageID),
				logx.Err(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// deleteOne retries a flood-limited delete after the requested pause.
func (c *Cleaner) deleteOne(ctx context.Context, session kit.Platform, ref kit.MessageRef) error {
	for attempt := 1; ; attempt++ {
		err := session.DeleteMessage(ctx, ref)
		if err == nil {
			return nil
		}
		kind, wait := delivery.Classify(err)
		if kind != delivery.KindRateLimited || attempt == deleteAttempts {
			return err
		}
		c.log.Warn("telegram flood limit during delete",
			logx.Int64("chat", ref.ChatID),
			logx.Int("message", ref.MessageID),
			logx.Duration("retry_after", wait),
			logx.Int("attempt", attempt))
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func countBatches(recs []storage.SentRecord) int {
	seen := map[string]struct{}{}
	for _, r := range recs {
		seen[r.BatchID] = struct{}{}
	}
	return len(seen)
}
