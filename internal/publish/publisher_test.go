package publish

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"carposter/internal/album"
	"carposter/internal/delivery"
	"carposter/internal/media"
	"carposter/internal/storage"
	kit "carposter/internal/transport"
	logx "carposter/pkg/logx"
)

type fakePhotos struct {
	urls map[string][]string
	errs map[string]error
}

func (f *fakePhotos) PhotoURLs(ctx context.Context, itemID string) ([]string, error) {
	if err := f.errs[itemID]; err != nil {
		return nil, err
	}
	return f.urls[itemID], nil
}

// fakeTranscoder fails every URL containing "bad" and panics on "panic".
type fakeTranscoder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTranscoder) Transcode(ctx context.Context, src string) media.Result {
	f.mu.Lock()
	f.calls = append(f.calls, src)
	f.mu.Unlock()
	switch {
	case strings.Contains(src, "panic"):
		panic("decoder exploded")
	case strings.Contains(src, "bad"):
		return media.Result{Err: errors.New("http 404")}
	}
	return media.Result{Image: media.Image{Data: []byte(src), Source: src}}
}

type sentAlbum struct {
	to     kit.ChatTarget
	photos []kit.Photo
}

type fakePlatform struct {
	mu      sync.Mutex
	nextID  int
	albums  []sentAlbum
	failFor map[string]error // keyed by caption
	deleted []kit.MessageRef
	closed  int
	// afterSend runs once an album has been accepted.
	afterSend func()
	// limited is how many deletes answer with a flood limit before succeeding.
	limited int
	// onDelete runs before each successful delete.
	onDelete func(ref kit.MessageRef)
}

func (p *fakePlatform) SendAlbum(ctx context.Context, to kit.ChatTarget, photos []kit.Photo) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[photos[0].Caption]; err != nil {
		return nil, err
	}
	p.albums = append(p.albums, sentAlbum{to: to, photos: photos})
	ids := make([]int, len(photos))
	for i := range photos {
		p.nextID++
		ids[i] = p.nextID
	}
	if p.afterSend != nil {
		p.afterSend()
	}
	return ids, nil
}

func (p *fakePlatform) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref.MessageID < 0 {
		return errors.New("message to delete not found")
	}
	if p.limited > 0 {
		p.limited--
		return &kit.RetryAfterError{After: 3 * time.Second}
	}
	if p.onDelete != nil {
		p.onDelete(ref)
	}
	p.deleted = append(p.deleted, ref)
	return nil
}

func (p *fakePlatform) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

type fakeDialer struct {
	platform *fakePlatform
	err      error
	opened   int
}

func (d *fakeDialer) Open(ctx context.Context) (kit.Platform, error) {
	d.opened++
	if d.err != nil {
		return nil, d.err
	}
	return d.platform, nil
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type fixture struct {
	photos   *fakePhotos
	tc       *fakeTranscoder
	platform *fakePlatform
	dialer   *fakeDialer
	store    *storage.Memory
	sleeps   *sleepLog
	pub      *Publisher
}

func newFixture() *fixture {
	f := &fixture{
		photos:   &fakePhotos{urls: map[string][]string{}, errs: map[string]error{}},
		tc:       &fakeTranscoder{},
		platform: &fakePlatform{failFor: map[string]error{}},
		store:    storage.NewMemory(),
		sleeps:   &sleepLog{},
	}
	f.dialer = &fakeDialer{platform: f.platform}
	f.pub = New(f.photos, f.tc, f.store, f.dialer, logx.Nop(), Options{Sleep: f.sleeps.sleep})
	return f
}

func urls(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + "/" + string(rune('a'+i)) + ".jpg"
	}
	return out
}

func testBatch(items ...BatchItem) Batch {
	return Batch{ID: "batch-1", ChatID: -1001, ThreadID: 7, DestinationName: "Main channel", Items: items}
}

func TestRunRecordsEveryDeliveredMessage(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["A"] = urls("https://img/A", 3)
	f.photos.urls["B"] = urls("https://img/B", 2)

	rep := f.pub.Run(context.Background(), testBatch(BatchItem{ID: "A", Caption: "first"}, BatchItem{ID: "B", Caption: "second"}))
	if rep.Sent != 2 || rep.Records != 5 || rep.Failed != 0 || rep.Skipped != 0 {
		t.Fatalf("report = %+v", rep)
	}
	recs, _ := f.store.MessagesByBatch(context.Background(), "batch-1")
	if len(recs) != 5 {
		t.Fatalf("records = %d, want 5", len(recs))
	}
	for i, r := range recs {
		if r.MessageID != i+1 || r.ChatID != -1001 || r.DestinationName != "Main channel" || r.BatchID != "batch-1" {
			t.Fatalf("record %d = %+v", i, r)
		}
	}
	if got := f.platform.albums[0].to; got.ChatID != -1001 || got.ThreadID != 7 {
		t.Fatalf("target = %+v", got)
	}
	if f.dialer.opened != 1 || f.platform.closed != 1 {
		t.Fatalf("session opened=%d closed=%d, want 1/1", f.dialer.opened, f.platform.closed)
	}
}

func TestRunSkipsItemsWithoutPhotos(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.errs["ERR"] = errors.New("timeout")
	f.photos.urls["ALLBAD"] = []string{"https://img/bad1.jpg", "https://img/bad2.jpg"}
	f.photos.urls["OK"] = urls("https://img/OK", 1)

	rep := f.pub.Run(context.Background(), testBatch(
		BatchItem{ID: "NONE", Caption: "x"},
		BatchItem{ID: "ERR", Caption: "x"},
		BatchItem{ID: "ALLBAD", Caption: "x"},
		BatchItem{ID: "OK", Caption: "ok"},
	))
	if rep.Skipped != 3 || rep.Sent != 1 || rep.Records != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(f.platform.albums) != 1 {
		t.Fatalf("albums sent = %d, want 1", len(f.platform.albums))
	}
}

func TestRunCaptionMovesToFirstSurvivor(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["A"] = []string{
		"https://img/bad-0.jpg",
		"https://img/ok-1.jpg",
		"https://img/bad-2.jpg",
		"https://img/ok-3.jpg",
		"https://img/ok-4.jpg",
	}

	f.pub.Run(context.Background(), testBatch(BatchItem{ID: "A", Caption: "Sonata 2021"}))
	if len(f.platform.albums) != 1 {
		t.Fatalf("albums = %d", len(f.platform.albums))
	}
	photos := f.platform.albums[0].photos
	if len(photos) != 3 {
		t.Fatalf("photos = %d, want 3", len(photos))
	}
	if string(photos[0].Data) != "https://img/ok-1.jpg" || photos[0].Caption != "Sonata 2021" {
		t.Fatalf("first photo = %s %q", photos[0].Data, photos[0].Caption)
	}
	for _, p := range photos[1:] {
		if p.Caption != "" {
			t.Fatalf("caption on a later photo: %q", p.Caption)
		}
	}
	if string(photos[2].Data) != "https://img/ok-4.jpg" {
		t.Fatalf("order not preserved: %s", photos[2].Data)
	}
}

func TestRunSelectsFirstTenURLs(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["A"] = urls("https://img/A", 14)

	f.pub.Run(context.Background(), testBatch(BatchItem{ID: "A", Caption: "c"}))
	if len(f.tc.calls) != 10 {
		t.Fatalf("transcoded %d urls, want 10", len(f.tc.calls))
	}
	if n := len(f.platform.albums[0].photos); n != 10 {
		t.Fatalf("album size = %d", n)
	}
}

func TestRunFatalItemDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["A"] = urls("https://img/A", 2)
	f.photos.urls["B"] = urls("https://img/B", 2)
	f.photos.urls["C"] = []string{"https://img/panic.jpg", "https://img/C.jpg"}
	f.platform.failFor["rejected"] = errors.New("telegram: bad request: PHOTO_INVALID_DIMENSIONS (400)")

	rep := f.pub.Run(context.Background(), testBatch(
		BatchItem{ID: "A", Caption: "rejected"},
		BatchItem{ID: "B", Caption: "fine"},
		BatchItem{ID: "C", Caption: "survives panic"},
	))
	if rep.Failed != 1 || rep.Sent != 2 {
		t.Fatalf("report = %+v", rep)
	}
	recs, _ := f.store.AllMessages(context.Background())
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	// two backoffs for the rejected item plus two paces
	want := []time.Duration{delivery.DefaultErrorBackoff, delivery.DefaultErrorBackoff, DefaultPace, DefaultPace}
	if len(f.sleeps.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", f.sleeps.waits, want)
	}
	for i := range want {
		if f.sleeps.waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", f.sleeps.waits, want)
		}
	}
}

func TestRunPanickingPhotoSourceIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["B"] = urls("https://img/B", 1)
	pub := New(panicOn{"A", f.photos}, f.tc, f.store, f.dialer, logx.Nop(), Options{Sleep: f.sleeps.sleep})

	rep := pub.Run(context.Background(), testBatch(BatchItem{ID: "A"}, BatchItem{ID: "B"}))
	if rep.Failed != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

type panicOn struct {
	id   string
	next PhotoSource
}

func (p panicOn) PhotoURLs(ctx context.Context, id string) ([]string, error) {
	if id == p.id {
		panic("nil map")
	}
	return p.next.PhotoURLs(ctx, id)
}

func TestRunPacesBetweenItemsOnly(t *testing.T) {
	t.Parallel()
	f := newFixture()
	rep := f.pub.Run(context.Background(), testBatch(BatchItem{ID: "A"}, BatchItem{ID: "B"}, BatchItem{ID: "C"}))
	if rep.Skipped != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if len(f.sleeps.waits) != 2 {
		t.Fatalf("waits = %v, want 2 paces", f.sleeps.waits)
	}
}

func TestRunTwiceDuplicatesRecords(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["A"] = urls("https://img/A", 2)
	b := testBatch(BatchItem{ID: "A", Caption: "c"})

	f.pub.Run(context.Background(), b)
	f.pub.Run(context.Background(), b)
	recs, _ := f.store.MessagesByBatch(context.Background(), b.ID)
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	if len(f.platform.albums) != 2 {
		t.Fatalf("albums = %d, want 2", len(f.platform.albums))
	}
}

func TestRunSessionUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.dialer.err = errors.New("bad token")
	rep := f.pub.Run(context.Background(), testBatch(BatchItem{ID: "A"}, BatchItem{ID: "B"}))
	if rep.Failed != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	pub := New(f.photos, f.tc, f.store, f.dialer, logx.Nop(), Options{Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}})
	rep := pub.Run(ctx, testBatch(BatchItem{ID: "A"}, BatchItem{ID: "B"}, BatchItem{ID: "C"}))
	if rep.Skipped != 1 || rep.Failed != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if f.platform.closed != 1 {
		t.Fatalf("session closed %d times", f.platform.closed)
	}
}

// ctxRecorder fails writes on a finished context, as the SQL stores do.
type ctxRecorder struct{ *storage.Memory }

func (r ctxRecorder) AppendSent(ctx context.Context, rec storage.SentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Memory.AppendSent(ctx, rec)
}

func TestRunRecordsAlbumDeliveredAsBatchIsCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["A"] = urls("https://img/A", 3)
	f.photos.urls["B"] = urls("https://img/B", 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.platform.afterSend = cancel

	pub := New(f.photos, f.tc, ctxRecorder{f.store}, f.dialer, logx.Nop(), Options{Sleep: f.sleeps.sleep})
	rep := pub.Run(ctx, testBatch(BatchItem{ID: "A", Caption: "a"}, BatchItem{ID: "B", Caption: "b"}))
	if rep.Sent != 1 || rep.Records != 3 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	recs, _ := f.store.MessagesByBatch(context.Background(), "batch-1")
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3 for the delivered album", len(recs))
	}
	if len(f.platform.albums) != 1 {
		t.Fatalf("albums = %d, want 1", len(f.platform.albums))
	}
}

func TestRunLogsAlbumFilenames(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.photos.urls["A"] = urls("https://img/A", 2)
	var buf bytes.Buffer
	pub := New(f.photos, f.tc, f.store, f.dialer, logx.NewWriter(&buf, "debug"), Options{Sleep: f.sleeps.sleep})

	pub.Run(context.Background(), testBatch(BatchItem{ID: "A", Caption: "c"}))
	for i := 0; i < 2; i++ {
		if name := album.Filename("A", i); !strings.Contains(buf.String(), name) {
			t.Fatalf("log has no %s:\n%s", name, buf.String())
		}
	}
}
