package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./carposter.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	// BufferSize is the number of recent lines kept in memory (0 = default 100).
	BufferSize int
}

type FileConfig struct {
	Enabled bool
	Path    string
}

var setupOnce sync.Once

func setupZerolog() {
	setupOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// Service owns the sinks. The in-memory ring is always attached; console
// and file sinks follow Config and can be swapped with Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	ring *Ring

	root atomic.Pointer[zerolog.Logger]

	stdout io.Writer
}

// New builds the service from cfg and returns it with its root Logger.
// A file sink that cannot be opened is reported through the logger itself.
func New(cfg Config) (*Service, Logger) {
	setupZerolog()
	s := &Service{ring: NewRing(cfg.BufferSize), stdout: os.Stdout}
	lg := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		lg.Warn("log file unavailable; continuing without it", Err(err))
	}
	return s, lg
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Recent returns the buffered tail of log lines, oldest first.
func (s *Service) Recent() []string {
	if s == nil || s.ring == nil {
		return nil
	}
	return s.ring.Lines()
}

// Config returns the last applied configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Apply swaps sinks and level at runtime. When the log file cannot be
// opened the other sinks are still installed and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if cfg.BufferSize > 0 {
		s.ring.Resize(cfg.BufferSize)
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	sinks := []io.Writer{s.ring}
	if cfg.Console {
		sinks = append(sinks, consoleWriter(s.stdout))
	}
	var fileErr error
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fileErr = fmt.Errorf("open log file %q: %w", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	return fileErr
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
