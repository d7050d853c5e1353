package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"carposter/internal/config"
)

const testConfig = `
telegram:
  token: "123:abc"
http:
  addr: "127.0.0.1:0"
  admin_password: "secret"
destinations:
  - id: -1001
    name: Main
storage:
  driver: memory
logging:
  level: debug
  console: false
publish:
  pace: 10ms
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestStartServesAPIAndStops(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+a.Addr()+"/api/destinations", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET destinations: %v", err)
	}
	var ds []config.Destination
	err = json.NewDecoder(resp.Body).Decode(&ds)
	_ = resp.Body.Close()
	if err != nil || len(ds) != 1 || ds[0].Name != "Main" {
		t.Fatalf("destinations = %+v, err = %v", ds, err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestApplyConfigHotSections(t *testing.T) {
	a := newTestApp(t)
	prev := a.cfgm.Get()
	next := prev.Clone()
	next.Destinations = append(next.Destinations, config.Destination{ID: -1002, Name: "Forum", ThreadID: 7})
	next.Publish.Pace = "1s"
	next.Cleanup.RatePerSec = 5

	before := a.publisher.p.Load()
	a.applyConfig(prev, next)

	ds := a.Destinations()
	if len(ds) != 2 || ds[1].ThreadID != 7 {
		t.Fatalf("destinations = %+v", ds)
	}
	if a.publisher.p.Load() == before {
		t.Fatal("publisher should be rebuilt after a publish change")
	}
	// the live list is a copy
	next.Destinations[0].Name = "mutated"
	if a.Destinations()[0].Name != "Main" {
		t.Fatal("destinations share memory with the config")
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "none"}}

	sc, persistent := mapStorage(cfg)
	if persistent || sc.Driver != "memory" {
		t.Fatalf("storage = %+v persistent=%v", sc, persistent)
	}
	opts := mapPublish(cfg)
	if opts.Pace != config.DefaultPace || opts.Policy.NetworkBackoff != config.DefaultNetworkBackoff || opts.Policy.ErrorBackoff != config.DefaultErrorBackoff {
		t.Fatalf("publish options = %+v", opts)
	}
	if tg := mapTelegram(cfg); tg.SendTimeout != config.DefaultSendTimeout {
		t.Fatalf("send timeout = %v", tg.SendTimeout)
	}
	srv := mapHTTPServer(cfg, http.NotFoundHandler())
	if srv.Addr != config.DefaultHTTPAddr || srv.ReadTimeout != defaultReadTimeout {
		t.Fatalf("server = %s %v", srv.Addr, srv.ReadTimeout)
	}
	if o := corsOrigins(cfg); len(o) != 1 || o[0] != "*" {
		t.Fatalf("cors = %v", o)
	}
}

func TestStopBudgetOutlastsSend(t *testing.T) {
	a := newTestApp(t)
	if a.sendTimeout != config.DefaultSendTimeout {
		t.Fatalf("sendTimeout = %v, want default %v", a.sendTimeout, config.DefaultSendTimeout)
	}
	if got := a.jobsStopLimit(); got <= a.sendTimeout {
		t.Fatalf("jobs stop limit %v does not outlast a send of %v", got, a.sendTimeout)
	}
	if a.StopTimeout() < a.jobsStopLimit()+storageStopLimit {
		t.Fatalf("StopTimeout %v leaves no room to close storage after jobs", a.StopTimeout())
	}
}
