// Package maintenance runs the periodic housekeeping of the pipeline (expiry
// sweep, batch window flush, audit pruning) on cron or interval schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"changenotify/internal/metrics"
	logx "changenotify/pkg/logx"
)

var ErrUnknownJob = errors.New("maintenance: unknown job")

// Job is one scheduled unit of work. Runs of the same job never overlap.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type jobDef struct {
	Job
	spec    string
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	runs    uint64
	skipped uint64
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Running  bool          `json:"running"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took,omitempty"`
	LastErr  string        `json:"last_err,omitempty"`
}

type Service struct {
	log     logx.Logger
	metrics *metrics.Metrics
	parser  cron.Parser

	mu   sync.Mutex
	tz   string
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	defs []*jobDef
}

func New(timezone string, log logx.Logger, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "maintenance")),
		metrics: m,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tz:     timezone,
	}
}

// Set replaces every job definition. All schedules are validated before
// anything changes; a running service re-registers immediately.
func (s *Service) Set(jobs []Job) error {
	defs := make([]*jobDef, 0, len(jobs))
	seen := map[string]bool{}
	var errs []error
	for _, j := range jobs {
		if strings.TrimSpace(j.Name) == "" || j.Run == nil {
			errs = append(errs, errors.New("job name and func required"))
			continue
		}
		if seen[j.Name] {
			errs = append(errs, fmt.Errorf("duplicate job %q", j.Name))
			continue
		}
		seen[j.Name] = true
		ps, err := ParseSchedule(j.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.Name, err))
			continue
		}
		spec := ps.CronSpec()
		if _, err := s.parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.Name, err))
			continue
		}
		defs = append(defs, &jobDef{Job: j, spec: spec})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = defs
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// SetTimezone changes the cron location; a running service restarts.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(tz) == strings.TrimSpace(s.tz) {
		return
	}
	s.tz = tz
	if s.c != nil {
		s.restartLocked()
	}
}

// Start begins triggering. Jobs run with ctx as parent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.restartLocked()
}

// Stop stops triggering and waits for running jobs or ctx.
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
	s.log.Info("service stopped")
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Running jobs finish on their own; only triggering stops here.
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	ctx := s.ctx
	for _, d := range s.defs {
		id, err := s.c.AddFunc(d.spec, func() { _ = s.run(ctx, d) })
		if err != nil {
			s.log.Error("schedule register failed", logx.String("job", d.Name), logx.String("spec", d.spec), logx.Err(err))
			continue
		}
		d.entryID = id
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.tz)
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

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *jobDef
	for _, d := range s.defs {
		if d.Name == name {
			def = d
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, def)
}

// run executes d unless it is already running.
func (s *Service) run(parent context.Context, d *jobDef) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	d.mu.Lock()
	if d.running {
		d.skipped++
		d.mu.Unlock()
		s.log.Debug("job still running, skipped", logx.String("job", d.Name))
		return nil
	}
	d.running = true
	d.mu.Unlock()

	start := time.Now()
	ctx := parent
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", d.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", d.Name, r)
		}
		took := time.Since(start)
		d.mu.Lock()
		d.running = false
		d.runs++
		d.lastRun = start
		d.lastDur = took
		d.lastErr = ""
		if err != nil {
			d.lastErr = err.Error()
		}
		d.mu.Unlock()
		s.metrics.ObserveJob(d.Name, err)
		if err != nil {
			s.log.Warn("job failed", logx.String("job", d.Name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job ok", logx.String("job", d.Name), logx.Duration("took", took))
		}
	}()
	return d.Run(ctx)
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defs := append([]*jobDef(nil), s.defs...)
	entries := make([]cron.EntryID, len(defs))
	for i, d := range defs {
		entries[i] = d.entryID
	}
	c := s.c
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(defs))
	for i, d := range defs {
		d.mu.Lock()
		it := JobInfo{
			Name:     d.Name,
			Spec:     d.spec,
			Runs:     d.runs,
			Skipped:  d.skipped,
			Running:  d.running,
			LastRun:  d.lastRun,
			LastTook: d.lastDur,
			LastErr:  d.lastErr,
		}
		d.mu.Unlock()
		if c != nil && entries[i] != 0 {
			e := c.Entry(entries[i])
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
