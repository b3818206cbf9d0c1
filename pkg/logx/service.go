package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Output formats of the stderr sink.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level string
	// Console enables the stderr sink. It is also used when no other sink is
	// enabled.
	Console bool
	// Format of the stderr sink: "console" (default) or "json".
	Format string
	File   FileConfig
}

// FileConfig appends JSON lines to Path.
type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the log sinks.
type Service struct {
	mu     sync.Mutex
	stderr io.Writer
	file   *os.File
	path   string

	root atomic.Pointer[zerolog.Logger]
}

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// New builds the service from cfg. A log file that cannot be opened is
// reported on the returned logger and skipped.
func New(cfg Config) (*Service, Logger) {
	return newService(os.Stderr, cfg)
}

func newService(stderr io.Writer, cfg Config) (*Service, Logger) {
	s := &Service{stderr: stderr}
	fallback := zerolog.New(s.stderrWriter(cfg.Format)).Level(LevelInfo).With().Timestamp().Logger()
	s.root.Store(&fallback)
	l := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		l.Warn("log file disabled", Err(err))
	}
	return s, l
}

func (s *Service) current() zerolog.Logger { return *s.root.Load() }

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps sinks and level. When the log file cannot be opened the
// previous sinks stay in place and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.TrimSpace(cfg.File.Path)
	var (
		file    = s.file
		opened  *os.File
		writers []io.Writer
	)
	if cfg.File.Enabled {
		if path == "" {
			return errors.New("logx: file sink enabled without a path")
		}
		if file == nil || path != s.path {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("logx: open %s: %w", path, err)
			}
			opened, file = f, f
		}
		writers = append(writers, zerolog.SyncWriter(file))
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, s.stderrWriter(cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)

	if s.file != nil && (!cfg.File.Enabled || opened != nil) {
		_ = s.file.Close()
	}
	if cfg.File.Enabled {
		s.file, s.path = file, path
	} else {
		s.file, s.path = nil, ""
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.path = nil, ""
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func (s *Service) stderrWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return s.stderr
	}
	cw := zerolog.ConsoleWriter{Out: s.stderr, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		c, _ := i.(string)
		return c
	}
	return cw
}
