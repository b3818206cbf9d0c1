// Package batching decides, per candidate notification, whether it goes out
// now, waits in a batch buffer, or is dropped by the throttle.
//
// Throttling runs first and is keyed by (user, channel). Batch buffers are
// keyed by BatchKey and flushed in insertion order, either synchronously when
// a buffer reaches its size or by FlushDue once its window has elapsed.
package batching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"changenotify/internal/domain"
	"changenotify/internal/eventbus"
	"changenotify/internal/metrics"
	logx "changenotify/pkg/logx"
)

// Status is the outcome of Process.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusBatched   Status = "batched"
	StatusThrottled Status = "throttled"
)

type Reason string

const (
	ReasonOK               Reason = ""
	ReasonCooldown         Reason = "cooldown"
	ReasonHourlyLimit      Reason = "rate_limit_per_hour"
	ReasonDailyLimit       Reason = "rate_limit_per_day"
	ReasonBurstLimit       Reason = "burst_limit"
	ReasonPriorityOverride Reason = "priority_override"
	ReasonBatchDisabled    Reason = "batch_disabled"
	ReasonBuffered         Reason = "buffered"
)

// Flush triggers.
const (
	TriggerSize     = "size"
	TriggerWindow   = "window"
	TriggerShutdown = "shutdown"
	TriggerManual   = "manual"
)

// BatchKey identifies one batch buffer. Severity is empty unless batches are
// split by severity.
type BatchKey struct {
	UserID   string
	Channel  domain.Channel
	Severity domain.Severity
}

// Candidate is one notification asking to be sent. Record carries the
// rendered message; Preference carries the batch settings.
type Candidate struct {
	Record     domain.Record
	Preference domain.Preference
}

type Decision struct {
	Status  Status
	BatchID string
	Reason  Reason
	// Flushed is set when this candidate filled its buffer and the batch
	// went out synchronously. Result then holds the candidate's own outcome.
	Flushed bool
	Result  *domain.Result
}

// Batch is a flushed buffer. Members keep insertion order and share ID.
type Batch struct {
	ID      string
	Key     BatchKey
	Members []domain.Record
	Trigger string
	Started time.Time
}

// FlushFunc delivers a flushed batch and returns one result per member, in
// member order.
type FlushFunc func(ctx context.Context, b Batch) ([]domain.Result, error)

// BufferInfo describes one open buffer.
type BufferInfo struct {
	Key     BatchKey      `json:"key"`
	BatchID string        `json:"batch_id"`
	Size    int           `json:"size"`
	Limit   int           `json:"limit"`
	Started time.Time     `json:"started"`
	Window  time.Duration `json:"window"`
}

type buffer struct {
	id      string
	started time.Time
	limit   int
	window  time.Duration
	members []domain.Record
}

// Manager is safe for concurrent use.
type Manager struct {
	log     logx.Logger
	now     func() time.Time
	metrics *metrics.Metrics
	bus     eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	flush    FlushFunc
	throttle map[throttleKey]*throttleState
	buffers  map[BatchKey]*buffer
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }
func WithMetrics(mx *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mx } }
func WithBus(bus eventbus.Bus) Option        { return func(m *Manager) { m.bus = bus } }
func WithFlushFunc(fn FlushFunc) Option      { return func(m *Manager) { m.flush = fn } }

func New(cfg Config, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:      log.With(logx.String("comp", "batching")),
		now:      time.Now,
		bus:      eventbus.Nop(),
		cfg:      cfg,
		throttle: map[throttleKey]*throttleState{},
		buffers:  map[BatchKey]*buffer{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetFlushFunc installs the batch consumer. The dispatcher owns it and is
// built after the manager.
func (m *Manager) SetFlushFunc(fn FlushFunc) {
	m.mu.Lock()
	m.flush = fn
	m.mu.Unlock()
}

// Apply swaps the configuration. Throttle state is rebuilt lazily with the
// new limits; open buffers keep the size and window they started with.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.throttle = map[throttleKey]*throttleState{}
	m.mu.Unlock()
	m.log.Info("batching config applied")
}

// Process runs the throttle and then the batching decision for c.
func (m *Manager) Process(ctx context.Context, c Candidate) (Decision, error) {
	now := m.now()
	rec := c.Record
	ch := string(rec.Channel)

	m.mu.Lock()
	cfg := m.cfg
	if cfg.Throttle.Enabled {
		tk := throttleKey{UserID: rec.UserID, Channel: rec.Channel}
		st := m.throttle[tk]
		if st == nil {
			st = newThrottleState(cfg.limitsFor(rec.Channel))
			m.throttle[tk] = st
		}
		if exempt(cfg.Throttle, rec.Severity) {
			st.record(now)
		} else if reason := st.check(now); reason != ReasonOK {
			m.mu.Unlock()
			m.metrics.ObserveAdmission(ch, string(StatusThrottled))
			m.publish(eventbus.TypeThrottled, rec, "", string(reason))
			m.log.Debug("throttled", logx.String("user", rec.UserID), logx.String("channel", ch), logx.String("reason", string(reason)))
			return Decision{Status: StatusThrottled, Reason: reason}, nil
		}
	}

	if rec.Severity == domain.SeverityCritical && cfg.Batch.PriorityOverride {
		m.mu.Unlock()
		m.metrics.ObserveAdmission(ch, string(StatusAccepted))
		return Decision{Status: StatusAccepted, Reason: ReasonPriorityOverride}, nil
	}
	if !c.Preference.BatchEnabled {
		m.mu.Unlock()
		m.metrics.ObserveAdmission(ch, string(StatusAccepted))
		return Decision{Status: StatusAccepted, Reason: ReasonBatchDisabled}, nil
	}

	key := BatchKey{UserID: rec.UserID, Channel: rec.Channel}
	if cfg.Batch.BySeverity {
		key.Severity = rec.Severity
	}
	buf := m.buffers[key]
	if buf == nil {
		buf = &buffer{
			id:      uuid.NewString(),
			started: now,
			limit:   pick(c.Preference.BatchSize, cfg.Batch.DefaultSize),
			window:  pickDur(c.Preference.BatchWindow(), cfg.Batch.DefaultWindow),
		}
		m.buffers[key] = buf
	}
	rec.BatchID = buf.id
	buf.members = append(buf.members, rec)
	d := Decision{Status: StatusBatched, BatchID: buf.id, Reason: ReasonBuffered}

	var full *Batch
	if len(buf.members) >= buf.limit {
		b := m.take(key, TriggerSize)
		full = &b
	}
	buffered := m.bufferedLocked()
	flush := m.flush
	m.mu.Unlock()

	m.metrics.ObserveAdmission(ch, string(StatusBatched))
	m.metrics.SetBuffered(buffered)
	m.publish(eventbus.TypeBatched, rec, d.BatchID, "")

	if full != nil {
		d.Flushed = true
		results, err := m.deliver(ctx, flush, *full, buffered)
		// The candidate is the member that filled the buffer.
		if n := len(full.Members); len(results) == n {
			d.Result = &results[n-1]
		}
		if err != nil {
			return d, err
		}
	}
	return d, nil
}

// take removes and returns the buffer at key. Callers hold m.mu.
func (m *Manager) take(key BatchKey, trigger string) Batch {
	buf := m.buffers[key]
	delete(m.buffers, key)
	return Batch{ID: buf.id, Key: key, Members: buf.members, Trigger: trigger, Started: buf.started}
}

func (m *Manager) bufferedLocked() int {
	n := 0
	for _, b := range m.buffers {
		n += len(b.members)
	}
	return n
}

func (m *Manager) deliver(ctx context.Context, flush FlushFunc, b Batch, buffered int) ([]domain.Result, error) {
	m.metrics.ObserveFlush(b.Trigger, buffered)
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFlushed, Time: m.now(), Data: eventbus.Delivery{
		UserID:  b.Key.UserID,
		Channel: string(b.Key.Channel),
		BatchID: b.ID,
		Reason:  b.Trigger,
	}})
	m.log.Info("batch flushed",
		logx.String("batch", b.ID),
		logx.String("user", b.Key.UserID),
		logx.String("channel", string(b.Key.Channel)),
		logx.Int("members", len(b.Members)),
		logx.String("trigger", b.Trigger),
	)
	if flush == nil {
		return nil, errors.New("batching: no flush func installed")
	}
	return flush(ctx, b)
}

// FlushDue flushes every buffer whose window has elapsed and returns how many
// batches went out. It also drops idle throttle state.
func (m *Manager) FlushDue(ctx context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	var due []Batch
	for _, key := range m.sortedKeys() {
		if buf := m.buffers[key]; now.Sub(buf.started) >= buf.window {
			due = append(due, m.take(key, TriggerWindow))
		}
	}
	for k, st := range m.throttle {
		st.prune(now)
		if len(st.admitted) == 0 {
			delete(m.throttle, k)
		}
	}
	buffered := m.bufferedLocked()
	flush := m.flush
	m.mu.Unlock()
	return len(due), m.deliverAll(ctx, flush, due, buffered)
}

// FlushAll flushes every open buffer regardless of age.
func (m *Manager) FlushAll(ctx context.Context, trigger string) (int, error) {
	if trigger == "" {
		trigger = TriggerManual
	}
	m.mu.Lock()
	var all []Batch
	for _, key := range m.sortedKeys() {
		all = append(all, m.take(key, trigger))
	}
	flush := m.flush
	m.mu.Unlock()
	return len(all), m.deliverAll(ctx, flush, all, 0)
}

func (m *Manager) deliverAll(ctx context.Context, flush FlushFunc, batches []Batch, buffered int) error {
	if len(batches) == 0 {
		return nil
	}
	m.metrics.SetBuffered(buffered)
	var errs []error
	for _, b := range batches {
		if _, err := m.deliver(ctx, flush, b, buffered); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sortedKeys orders buffers oldest first. Callers hold m.mu.
func (m *Manager) sortedKeys() []BatchKey {
	keys := make([]BatchKey, 0, len(m.buffers))
	for k := range m.buffers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.buffers[keys[i]], m.buffers[keys[j]]
		if !a.started.Equal(b.started) {
			return a.started.Before(b.started)
		}
		return a.id < b.id
	})
	return keys
}

// Snapshot lists open buffers, oldest first.
func (m *Manager) Snapshot() []BufferInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BufferInfo, 0, len(m.buffers))
	for _, k := range m.sortedKeys() {
		b := m.buffers[k]
		out = append(out, BufferInfo{Key: k, BatchID: b.id, Size: len(b.members), Limit: b.limit, Started: b.started, Window: b.window})
	}
	return out
}

func (m *Manager) publish(typ string, r domain.Record, batchID, reason string) {
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: eventbus.Delivery{
		UserID:  r.UserID,
		Channel: string(r.Channel),
		BatchID: batchID,
		Reason:  reason,
	}})
}

func pick(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func pickDur(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
