// Package spool feeds change events into the dispatcher from an inbox
// directory. Each *.json file holds one event plus its role targets; after
// dispatch the file moves to done/ (with a summary) or failed/ (with the
// error).
//
// Producers should write under a temporary name (dotfile or non-.json) and
// rename into place so a half-written file is never picked up.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"changenotify/internal/dispatch"
	"changenotify/internal/domain"
	"changenotify/internal/metrics"
	logx "changenotify/pkg/logx"
)

const (
	doneDir   = "done"
	failedDir = "failed"
)

type Config struct {
	Dir string
	// Settle is how long a file must stay quiet before it is read.
	Settle time.Duration
	// DefaultTargets apply to files that name no targets.
	DefaultTargets []dispatch.RoleTarget
}

// File is the on-disk format of an inbox entry.
type File struct {
	Event   domain.Event          `json:"event"`
	Targets []dispatch.RoleTarget `json:"targets,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, e domain.Event, targets []dispatch.RoleTarget) (dispatch.Summary, error)
}

type Spool struct {
	cfg     Config
	disp    Dispatcher
	log     logx.Logger
	metrics *metrics.Metrics

	mu sync.Mutex // serializes file processing
}

func New(cfg Config, disp Dispatcher, log logx.Logger, m *metrics.Metrics) (*Spool, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("spool: dir required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 200 * time.Millisecond
	}
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, doneDir), filepath.Join(cfg.Dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("spool: %w", err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Spool{cfg: cfg, disp: disp, log: log.With(logx.String("comp", "spool")), metrics: m}, nil
}

func isInboxFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}

// ProcessPending handles every file already in the inbox, oldest name first.
func (s *Spool) ProcessPending(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isInboxFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if s.ProcessFile(ctx, filepath.Join(s.cfg.Dir, name)) == nil {
			n++
		}
	}
	return n, nil
}

// ProcessFile dispatches one inbox file and moves it out of the inbox.
func (s *Spool) ProcessFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already handled by an earlier event for the same file.
		return nil
	}
	if err != nil {
		return err
	}
	sum, err := s.handle(ctx, b)
	name := filepath.Base(path)
	if err != nil {
		s.metrics.ObserveSpool("failed")
		s.log.Warn("spool file failed", logx.String("file", name), logx.Err(err))
		if merr := s.move(path, failedDir, []byte(err.Error()+"\n"), ".error"); merr != nil {
			s.log.Error("moving failed spool file", logx.String("file", name), logx.Err(merr))
		}
		return err
	}
	s.metrics.ObserveSpool("done")
	out, _ := json.MarshalIndent(sum, "", "  ")
	if err := s.move(path, doneDir, out, ".summary.json"); err != nil {
		s.log.Error("moving done spool file", logx.String("file", name), logx.Err(err))
		return err
	}
	s.log.Info("spool file dispatched", logx.String("file", name), logx.String("event", sum.EventID), logx.Int("sent", sum.TotalSent))
	return nil
}

// DecodeFile strictly decodes one inbox entry.
func DecodeFile(b []byte) (File, error) {
	var f File
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return File{}, errors.New("decode: trailing data")
	}
	return f, nil
}

func (s *Spool) handle(ctx context.Context, b []byte) (dispatch.Summary, error) {
	f, err := DecodeFile(b)
	if err != nil {
		return dispatch.Summary{}, err
	}
	targets := f.Targets
	if len(targets) == 0 {
		targets = s.cfg.DefaultTargets
	}
	if len(targets) == 0 {
		return dispatch.Summary{}, errors.New("no targets")
	}
	return s.disp.Dispatch(ctx, f.Event, targets)
}

// move renames path into sub/ and writes a sidecar next to it. An existing
// file with the same name gets a timestamp suffix.
func (s *Spool) move(path, sub string, sidecar []byte, suffix string) error {
	name := filepath.Base(path)
	dst := filepath.Join(s.cfg.Dir, sub, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(s.cfg.Dir, sub, fmt.Sprintf("%s.%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dst); err != nil {
		return err
	}
	return os.WriteFile(strings.TrimSuffix(dst, filepath.Ext(dst))+suffix, sidecar, 0o644)
}

// Run drains the inbox, then watches it until ctx ends. A broken watcher
// returns an error so the caller's restart loop can recreate it.
func (s *Spool) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("spool watch %s: %w", s.cfg.Dir, err)
	}
	s.log.Info("spool watching", logx.String("dir", s.cfg.Dir))

	// Files that arrived while nobody was watching.
	if _, err := s.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("spool drain failed", logx.Err(err))
	}

	ready := make(chan string, 64)
	var (
		timerMu sync.Mutex
		timers  = map[string]*time.Timer{}
	)
	settle := func(path string) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if t := timers[path]; t != nil {
			t.Stop()
		}
		timers[path] = time.AfterFunc(s.cfg.Settle, func() {
			timerMu.Lock()
			delete(timers, path)
			timerMu.Unlock()
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}
	defer func() {
		timerMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-ready:
			_ = s.ProcessFile(ctx, path)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("spool watcher closed")
			}
			if !isInboxFile(ev.Name) || filepath.Dir(ev.Name) != filepath.Clean(s.cfg.Dir) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				settle(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("spool watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.log.Warn("spool watch overflow; rescanning", logx.Err(err))
				if _, err := s.ProcessPending(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("spool rescan failed", logx.Err(err))
				}
				continue
			}
			s.log.Warn("spool watch error", logx.Err(err))
		}
	}
}
