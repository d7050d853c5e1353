package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	kit "carposter/internal/transport"
	logx "carposter/pkg/logx"
)

func newTestDialer(t *testing.T, h http.HandlerFunc) *Dialer {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	d, err := New(Config{Token: "123:abc", APIURL: srv.URL, SendTimeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSendAlbumReturnsMessageIDs(t *testing.T) {
	t.Parallel()
	d := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMediaGroup") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{
				{"message_id": 41, "date": 1, "chat": map[string]any{"id": -100, "type": "supergroup"}},
				{"message_id": 42, "date": 1, "chat": map[string]any{"id": -100, "type": "supergroup"}},
			},
		})
	})
	p, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ids, err := p.SendAlbum(context.Background(), kit.ChatTarget{ChatID: -100, ThreadID: 7}, []kit.Photo{
		{Data: []byte{0xff, 0xd8}, Filename: "car_1_0.jpg", Caption: "hello"},
		{Data: []byte{0xff, 0xd8}, Filename: "car_1_1.jpg"},
	})
	if err != nil {
		t.Fatalf("SendAlbum: %v", err)
	}
	if len(ids) != 2 || ids[0] != 41 || ids[1] != 42 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestSendAlbumMapsFloodError(t *testing.T) {
	t.Parallel()
	d := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  429,
			"description": "Flood control exceeded. Retry in 7 seconds",
			"parameters":  map[string]any{"retry_after": 7},
		})
	})
	p, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	_, err = p.SendAlbum(context.Background(), kit.ChatTarget{ChatID: 1}, []kit.Photo{{Data: []byte{1}}})
	var ra *kit.RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("expected RetryAfterError, got %v", err)
	}
	if ra.After != 7*time.Second {
		t.Fatalf("After = %v, want 7s", ra.After)
	}
}

func TestSendAlbumRejectsEmpty(t *testing.T) {
	t.Parallel()
	d := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	p, _ := d.Open(context.Background())
	if _, err := p.SendAlbum(context.Background(), kit.ChatTarget{ChatID: 1}, nil); err == nil {
		t.Fatal("expected error for empty album")
	}
}

func TestClassifyNetworkError(t *testing.T) {
	t.Parallel()
	err := classify(&netErr{})
	if !errors.Is(err, kit.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	plain := errors.New("telegram: bad request: chat not found (400)")
	if got := classify(plain); got != plain {
		t.Fatalf("plain error must pass through, got %v", got)
	}
}

type netErr struct{}

func (*netErr) Error() string   { return "connection reset" }
func (*netErr) Timeout() bool   { return false }
func (*netErr) Temporary() bool { return true }
