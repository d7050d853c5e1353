package retention

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"carposter/internal/publish"
	logx "carposter/pkg/logx"

	"github.com/robfig/cron/v3"
)

const defaultTimeout = 10 * time.Minute

type Config struct {
	Enabled  bool
	Schedule string
	MaxAge   time.Duration
	Timezone string // IANA TZ, e.g. "Asia/Seoul"
	Timeout  time.Duration
}

// Pruner removes batches older than age.
type Pruner interface {
	PruneOlderThan(ctx context.Context, age time.Duration) (publish.CleanupResult, error)
}

// LastRun describes the most recent prune.
type LastRun struct {
	Started  time.Time
	Duration time.Duration
	Result   publish.CleanupResult
	Error    string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	pruner Pruner

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context

	running atomic.Bool

	lmu  sync.Mutex
	last LastRun
}

func New(cfg Config, pruner Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		pruner: pruner,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether cfg can be scheduled.
func (s *Service) Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.MaxAge <= 0 {
		return errors.New("retention.max_age must be > 0")
	}
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	_, err = s.parser.Parse(spec)
	return err
}

// Start schedules pruning until ctx ends or Stop is called. It is a no-op
// when retention is disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("retention started",
		logx.String("schedule", spec),
		logx.Duration("max_age", s.cfg.MaxAge),
		logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("retention stopped")
}

// Apply swaps the configuration and reschedules when running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	return s.startLocked()
}

func (s *Service) Last() LastRun {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return s.last
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_, _ = s.RunNow(ctx)
}

// RunNow prunes immediately. It returns false when a run is already active.
func (s *Service) RunNow(ctx context.Context) (LastRun, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("retention run skipped: previous run active")
		return LastRun{}, false
	}
	defer s.running.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := LastRun{Started: time.Now()}
	res, err := s.pruner.PruneOlderThan(runCtx, cfg.MaxAge)
	run.Duration = time.Since(run.Started)
	run.Result = res
	if err != nil {
		run.Error = err.Error()
		s.log.Warn("retention run failed", logx.Err(err), logx.Int("deleted", res.Deleted))
	} else {
		s.log.Debug("retention run ok", logx.Int("batches", res.Batches), logx.Int("deleted", res.Deleted))
	}

	s.lmu.Lock()
	s.last = run
	s.lmu.Unlock()
	return run, true
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
