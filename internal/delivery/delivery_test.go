package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"carposter/internal/album"
	kit "carposter/internal/transport"
	logx "carposter/pkg/logx"
)

type step struct {
	ids []int
	err error
}

// scriptedPlatform replays one step per SendAlbum call.
type scriptedPlatform struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (p *scriptedPlatform) SendAlbum(ctx context.Context, to kit.ChatTarget, photos []kit.Photo) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.steps) {
		return nil, errors.New("unexpected call")
	}
	return p.steps[i].ids, p.steps[i].err
}

func (p *scriptedPlatform) DeleteMessage(ctx context.Context, ref kit.MessageRef) error { return nil }
func (p *scriptedPlatform) Close() error                                                { return nil }

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func (r *sleepRecorder) total() time.Duration {
	var sum time.Duration
	for _, w := range r.waits {
		sum += w
	}
	return sum
}

func newClient(p kit.Platform, rec *sleepRecorder) *Client {
	return New(p, Policy{}, logx.Nop(), WithSleep(rec.sleep))
}

var group = album.Group{ItemID: "SR1", Photos: []kit.Photo{{Data: []byte{1}, Caption: "c"}}}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestSendAlbumSuccessFirstTry(t *testing.T) {
	t.Parallel()
	p := &scriptedPlatform{steps: []step{{ids: []int{10, 11}}}}
	rec := &sleepRecorder{}
	ids, err := newClient(p, rec).SendAlbum(context.Background(), kit.ChatTarget{ChatID: 1}, group)
	if err != nil {
		t.Fatalf("SendAlbum: %v", err)
	}
	if len(ids) != 2 || p.calls != 1 || len(rec.waits) != 0 {
		t.Fatalf("ids=%v calls=%d waits=%v", ids, p.calls, rec.waits)
	}
}

func TestSendAlbumHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	p := &scriptedPlatform{steps: []step{
		{err: &kit.RetryAfterError{After: 7 * time.Second}},
		{ids: []int{99}},
	}}
	rec := &sleepRecorder{}
	ids, err := newClient(p, rec).SendAlbum(context.Background(), kit.ChatTarget{ChatID: 1}, group)
	if err != nil {
		t.Fatalf("SendAlbum: %v", err)
	}
	if len(ids) != 1 || ids[0] != 99 {
		t.Fatalf("ids = %v, want attempt-2 result", ids)
	}
	if p.calls != 2 {
		t.Fatalf("calls = %d, want 2 (exactly one retry)", p.calls)
	}
	if rec.total() < 7*time.Second || len(rec.waits) != 1 || rec.waits[0] != 7*time.Second {
		t.Fatalf("waits = %v, want [7s]", rec.waits)
	}
}

func TestSendAlbumRetryAfterIsNotCapped(t *testing.T) {
	t.Parallel()
	p := &scriptedPlatform{steps: []step{
		{err: &kit.RetryAfterError{After: 10 * time.Minute}},
		{ids: []int{1}},
	}}
	rec := &sleepRecorder{}
	if _, err := newClient(p, rec).SendAlbum(context.Background(), kit.ChatTarget{}, group); err != nil {
		t.Fatalf("SendAlbum: %v", err)
	}
	if rec.waits[0] != 10*time.Minute {
		t.Fatalf("wait = %v, want 10m", rec.waits[0])
	}
}

func TestSendAlbumOtherErrorExhausts(t *testing.T) {
	t.Parallel()
	boom := errors.New("telegram: bad request: wrong file identifier (400)")
	p := &scriptedPlatform{steps: []step{{err: boom}, {err: boom}, {err: boom}}}
	rec := &sleepRecorder{}
	ids, err := newClient(p, rec).SendAlbum(context.Background(), kit.ChatTarget{}, group)
	if ids != nil {
		t.Fatalf("ids = %v, want nil", ids)
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.Attempts != 3 || !errors.Is(err, boom) {
		t.Fatalf("unexpected error: %+v", de)
	}
	if p.calls != 3 {
		t.Fatalf("calls = %d, want 3", p.calls)
	}
	if len(rec.waits) != 2 || rec.waits[0] != DefaultErrorBackoff || rec.waits[1] != DefaultErrorBackoff {
		t.Fatalf("waits = %v, want two 3s backoffs", rec.waits)
	}
}

func TestSendAlbumNetworkErrorsExhaustToEmpty(t *testing.T) {
	t.Parallel()
	netErr := fmt.Errorf("%w: connection reset by peer", kit.ErrNetwork)
	p := &scriptedPlatform{steps: []step{{err: netErr}, {err: timeoutErr{}}, {err: netErr}}}
	rec := &sleepRecorder{}
	ids, err := newClient(p, rec).SendAlbum(context.Background(), kit.ChatTarget{}, group)
	if err != nil || ids != nil {
		t.Fatalf("got ids=%v err=%v, want empty result", ids, err)
	}
	if len(rec.waits) != 2 || rec.waits[0] != DefaultNetworkBackoff {
		t.Fatalf("waits = %v, want two 5s backoffs", rec.waits)
	}
}

func TestSendAlbumRateLimitedEveryAttempt(t *testing.T) {
	t.Parallel()
	ra := &kit.RetryAfterError{After: 2 * time.Second}
	p := &scriptedPlatform{steps: []step{{err: ra}, {err: ra}, {err: ra}}}
	rec := &sleepRecorder{}
	ids, err := newClient(p, rec).SendAlbum(context.Background(), kit.ChatTarget{}, group)
	if err != nil || ids != nil {
		t.Fatalf("got ids=%v err=%v, want empty result", ids, err)
	}
	if p.calls != 3 {
		t.Fatalf("calls = %d, rate limits must count toward the bound", p.calls)
	}
	if len(rec.waits) != 2 {
		t.Fatalf("waits = %v, no wait after the final attempt", rec.waits)
	}
}

func TestSendAlbumOtherErrorThenSuccess(t *testing.T) {
	t.Parallel()
	p := &scriptedPlatform{steps: []step{{err: errors.New("internal server error")}, {ids: []int{5}}}}
	rec := &sleepRecorder{}
	ids, err := newClient(p, rec).SendAlbum(context.Background(), kit.ChatTarget{}, group)
	if err != nil || len(ids) != 1 {
		t.Fatalf("ids=%v err=%v", ids, err)
	}
}

func TestSendAlbumStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedPlatform{steps: []step{{err: &kit.RetryAfterError{After: time.Hour}}}}
	c := New(p, Policy{}, logx.Nop(), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := c.SendAlbum(ctx, kit.ChatTarget{}, group)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, want 1", p.calls)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "retry after", err: fmt.Errorf("wrap: %w", &kit.RetryAfterError{After: time.Second}), want: KindRateLimited},
		{name: "network sentinel", err: fmt.Errorf("%w: dial", kit.ErrNetwork), want: KindNetwork},
		{name: "net.Error", err: timeoutErr{}, want: KindNetwork},
		{name: "other", err: errors.New("chat not found"), want: KindOther},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSleepRealTimer(t *testing.T) {
	t.Parallel()
	start := time.Now()
	if err := Sleep(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned too early")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
