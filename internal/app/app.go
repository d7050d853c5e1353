package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"carposter/internal/api"
	"carposter/internal/auction"
	"carposter/internal/config"
	"carposter/internal/media"
	"carposter/internal/observability/pprof"
	"carposter/internal/publish"
	"carposter/internal/runtime/supervisor"
	"carposter/internal/services/retention"
	"carposter/internal/storage"
	"carposter/internal/transport/telegram"
	logx "carposter/pkg/logx"
	"carposter/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	// jobs runs batches and bulk cleanups; a failed job never stops the app.
	jobs *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	dialer  *telegram.Dialer
	lots    *auction.Client
	cleaner *publish.Cleaner
	retain  *retention.Service
	pprof   *pprof.Service

	publisher    livePublisher
	destinations atomic.Pointer[[]config.Destination]

	server   *http.Server
	listener net.Listener

	// sendTimeout bounds one in-flight upload, which ignores cancellation.
	sendTimeout time.Duration
}

const (
	httpStopLimit       = 5 * time.Second
	retentionStopLimit  = 2 * time.Second
	supervisorStopLimit = 2 * time.Second
	storageStopLimit    = 2 * time.Second
	// jobsStopSlack covers recording an album that finished at the send deadline.
	jobsStopSlack = 15 * time.Second
)

// livePublisher lets a config reload swap the pipeline between batches.
// Batches already running keep the publisher they started with.
type livePublisher struct {
	p atomic.Pointer[publish.Publisher]
}

func (l *livePublisher) Run(ctx context.Context, b publish.Batch) publish.Report {
	return l.p.Load().Run(ctx, b)
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	sc, persistent := mapStorage(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if persistent {
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		appLog.Warn("storage disabled; sent messages are kept in memory only")
	}

	tg := mapTelegram(cfg)
	dialer, err := telegram.New(tg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		store:  store,
		dialer: dialer,
		lots:   auction.New(mapAuction(cfg), nil, log.With(logx.String("comp", "auction"))),

		sendTimeout: tg.SendTimeout,
	}
	a.cleaner = publish.NewCleaner(store, dialer, log.With(logx.String("comp", "cleanup")), cfg.Cleanup.RatePerSec)
	a.retain = retention.New(mapRetention(cfg), a.cleaner, log.With(logx.String("comp", "retention")))
	if err := a.retain.Validate(mapRetention(cfg)); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("retention: %w", err)
	}
	a.pprof = pprof.New(mapPprof(cfg), log.With(logx.String("comp", "pprof")))
	if err := a.pprof.Check(); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.rebuildPublisher(cfg)
	a.setDestinations(cfg.Destinations)

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return a.retain.Validate(mapRetention(c))
	})
	return a, nil
}

func (a *App) rebuildPublisher(cfg *config.Config) {
	tr := media.NewTranscoder(mapMedia(cfg), nil)
	p := publish.New(a.lots, tr, a.store, a.dialer, a.log.With(logx.String("comp", "publish")), mapPublish(cfg))
	a.publisher.p.Store(p)
}

func (a *App) setDestinations(ds []config.Destination) {
	cp := append([]config.Destination(nil), ds...)
	a.destinations.Store(&cp)
}

func (a *App) Destinations() []config.Destination {
	if p := a.destinations.Load(); p != nil {
		return *p
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound HTTP address, valid after Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// jobsStopLimit lets a batch caught mid-upload finish and record its messages
// before the store closes.
func (a *App) jobsStopLimit() time.Duration {
	return a.sendTimeout + jobsStopSlack
}

// StopTimeout is the longest Stop can take when every step runs to its limit.
func (a *App) StopTimeout() time.Duration {
	return httpStopLimit + retentionStopLimit + a.jobsStopLimit() + supervisorStopLimit + storageStopLimit
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.jobs = supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log.With(logx.String("comp", "jobs"))))
	cfg := a.cfgm.Get()

	router := api.NewRouter(api.Deps{
		Publisher:    &a.publisher,
		Cleaner:      a.cleaner,
		Lots:         a.lots,
		History:      a.store,
		Runner:       a.jobs,
		Destinations: a.Destinations,
		Logs:         a.logs.Recent,
		Password:     func() string { return a.cfgm.Get().HTTP.AdminPassword },
		Log:          a.log.With(logx.String("comp", "http")),
		CORSOrigins:  corsOrigins(cfg),
		StaticDir:    cfg.HTTP.StaticDir,
		NewBatchID:   uuid.NewString,
	})
	a.server = mapHTTPServer(cfg, router)
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.server.Addr, err)
	}
	a.listener = ln

	a.sup.Go("http.serve", func(context.Context) error {
		err := a.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if err := a.retain.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.RestartPolicy{MinBackoff: time.Second})
	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	if a.pprof.Enabled() {
		a.sup.Go("pprof", a.pprof.Run)
	}

	a.log.Info("app started", logx.String("addr", a.Addr()), logx.Int("destinations", len(a.Destinations())))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = systemd.Stopping()

	// Cancel first so running batches stop at their next wait.
	a.sup.Cancel()

	a.step(ctx, "http", httpStopLimit, func(c context.Context) error {
		if a.server == nil {
			return nil
		}
		return a.server.Shutdown(c)
	})
	a.step(ctx, "retention", retentionStopLimit, func(c context.Context) error {
		a.retain.Stop(c)
		return nil
	})
	// Batches write to the store, so wait for them before closing it.
	a.step(ctx, "jobs", a.jobsStopLimit(), func(c context.Context) error {
		if running := a.jobs.Running(""); len(running) > 0 {
			a.log.Info("waiting for background jobs", logx.Any("jobs", running))
		}
		return a.jobs.Wait(c)
	})
	a.step(ctx, "supervisor", supervisorStopLimit, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", storageStopLimit, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit so a stuck component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
	}
}
