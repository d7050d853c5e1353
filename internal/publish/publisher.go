package publish

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"carposter/internal/album"
	"carposter/internal/delivery"
	"carposter/internal/media"
	"carposter/internal/storage"
	kit "carposter/internal/transport"
	logx "carposter/pkg/logx"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPace separates consecutive items of a batch.
	DefaultPace = 2 * time.Second
	// recordTimeout bounds the store write for an album that is already delivered.
	recordTimeout = 10 * time.Second
)

// BatchItem is one selected lot and its caption.
type BatchItem struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

// Batch is one publishing run to a single destination.
type Batch struct {
	ID              string
	ChatID          int64
	ThreadID        int
	DestinationName string
	Items           []BatchItem
}

// Report summarizes a finished run.
type Report struct {
	BatchID  string
	Items    int
	Sent     int
	Skipped  int
	Failed   int
	Records  int
	Duration time.Duration
}

// PhotoSource resolves the photo gallery of an item.
type PhotoSource interface {
	PhotoURLs(ctx context.Context, itemID string) ([]string, error)
}

// Transcoder downloads and re-encodes one image.
type Transcoder interface {
	Transcode(ctx context.Context, src string) media.Result
}

// Recorder persists delivered messages.
type Recorder interface {
	AppendSent(ctx context.Context, r storage.SentRecord) error
}

type Options struct {
	Pace   time.Duration
	Policy delivery.Policy
	// Sleep replaces the pacing and retry waits; nil uses real timers.
	Sleep delivery.SleepFunc
}

// Publisher runs batches. Run may be called from several goroutines; each
// call opens its own delivery session.
type Publisher struct {
	photos     PhotoSource
	transcoder Transcoder
	records    Recorder
	dialer     kit.Dialer
	log        logx.Logger

	pace   time.Duration
	policy delivery.Policy
	sleep  delivery.SleepFunc
}

func New(photos PhotoSource, transcoder Transcoder, records Recorder, dialer kit.Dialer, log logx.Logger, opts Options) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Pace <= 0 {
		opts.Pace = DefaultPace
	}
	if opts.Sleep == nil {
		opts.Sleep = delivery.Sleep
	}
	return &Publisher{
		photos:     photos,
		transcoder: transcoder,
		records:    records,
		dialer:     dialer,
		log:        log,
		pace:       opts.Pace,
		policy:     opts.Policy,
		sleep:      opts.Sleep,
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Run processes the batch to completion. It never fails as a whole: item
// errors are logged and counted. Cancelling ctx stops the run between steps.
func (p *Publisher) Run(ctx context.Context, b Batch) Report {
	start := time.Now()
	rep := Report{BatchID: b.ID, Items: len(b.Items)}
	log := p.log.With(logx.String("batch", b.ID))
	log.Info("batch started",
		logx.Int("items", len(b.Items)),
		logx.Int64("chat", b.ChatID),
		logx.String("destination", b.DestinationName))

	session, err := p.dialer.Open(ctx)
	if err != nil {
		log.Error("delivery session unavailable", logx.Err(err))
		rep.Failed = len(b.Items)
		rep.Duration = time.Since(start)
		return rep
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("delivery session close failed", logx.Err(err))
		}
	}()
	sender := delivery.New(session, p.policy, log, delivery.WithSleep(p.sleep))
	target := kit.ChatTarget{ChatID: b.ChatID, ThreadID: b.ThreadID}

	for i, item := range b.Items {
		log.Info("processing item",
			logx.String("item", item.ID),
			logx.Int("index", i+1),
			logx.Int("of", len(b.Items)))

		out, n, err := p.runItem(ctx, log, sender, target, b, item)
		rep.Records += n
		switch out {
		case outcomeSent:
			rep.Sent++
			log.Info("item done", logx.String("item", item.ID), logx.Int("messages", n))
		case outcomeSkipped:
			rep.Skipped++
		case outcomeFailed:
			rep.Failed++
			log.Error("item failed", logx.String("item", item.ID), logx.Err(err))
		}

		if i == len(b.Items)-1 {
			break
		}
		if err := p.sleep(ctx, p.pace); err != nil {
			log.Warn("batch interrupted", logx.Int("remaining", len(b.Items)-i-1), logx.Err(err))
			rep.Failed += len(b.Items) - i - 1
			break
		}
	}

	rep.Duration = time.Since(start)
	log.Info("batch finished",
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Int("records", rep.Records),
		logx.Duration("took", rep.Duration))
	return rep
}

type albumSender interface {
	SendAlbum(ctx context.Context, to kit.ChatTarget, g album.Group) ([]int, error)
}

func (p *Publisher) runItem(ctx context.Context, log logx.Logger, sender albumSender, to kit.ChatTarget, b Batch, item BatchItem) (out outcome, records int, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("item panic", logx.String("item", item.ID), logx.Stack(string(debug.Stack())))
			out, err = outcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return outcomeFailed, 0, err
	}

	urls, err := p.photos.PhotoURLs(ctx, item.ID)
	if err != nil {
		log.Warn("no photos found, skipping", logx.String("item", item.ID), logx.Err(err))
		return outcomeSkipped, 0, nil
	}
	if len(urls) == 0 {
		log.Warn("no photos found, skipping", logx.String("item", item.ID))
		return outcomeSkipped, 0, nil
	}
	urls = album.Select(urls)
	log.Debug("photos selected", logx.String("item", item.ID), logx.Int("count", len(urls)))

	images := p.transcodeAll(ctx, log, item.ID, urls)
	if len(images) == 0 {
		log.Warn("no photos could be processed, skipping", logx.String("item", item.ID), logx.Int("tried", len(urls)))
		return outcomeSkipped, 0, nil
	}

	g, ok := album.Assemble(item.ID, item.Caption, images)
	if !ok {
		return outcomeSkipped, 0, nil
	}
	log.Debug("sending album",
		logx.String("item", item.ID),
		logx.Int("photos", g.Len()),
		logx.Any("files", g.Filenames()))

	ids, err := sender.SendAlbum(ctx, to, g)
	if err != nil {
		return outcomeFailed, 0, err
	}
	if len(ids) == 0 {
		// delivery already logged the exhausted retries
		return outcomeSkipped, 0, nil
	}

	// The messages exist now. Record them even if the batch was cancelled
	// during the send, or they could never be cleaned up.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	for _, id := range ids {
		rec := storage.SentRecord{
			BatchID:         b.ID,
			ChatID:          b.ChatID,
			MessageID:       id,
			DestinationName: b.DestinationName,
		}
		if err := p.records.AppendSent(recCtx, rec); err != nil {
			return outcomeFailed, records, fmt.Errorf("record message %d: %w", id, err)
		}
		records++
	}
	return outcomeSent, records, nil
}

// transcodeAll fans out one goroutine per URL and keeps the survivors in
// source order.
func (p *Publisher) transcodeAll(ctx context.Context, log logx.Logger, itemID string, urls []string) []media.Image {
	results := make([]media.Result, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		i, u := i, u
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = media.Result{Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			results[i] = p.transcoder.Transcode(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]media.Image, 0, len(urls))
	for i, r := range results {
		if !r.OK() {
			log.Debug("photo dropped", logx.String("item", itemID), logx.String("url", urls[i]), logx.Err(r.Err))
			continue
		}
		out = append(out, r.Image)
	}
	return out
}
