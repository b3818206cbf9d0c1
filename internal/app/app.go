// Package app wires the notification pipeline together and owns its
// lifecycle: start, config hot reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changenotify/internal/audit"
	"changenotify/internal/batching"
	"changenotify/internal/channel"
	"changenotify/internal/config"
	"changenotify/internal/delivery"
	"changenotify/internal/directory"
	"changenotify/internal/dispatch"
	"changenotify/internal/eventbus"
	"changenotify/internal/history"
	"changenotify/internal/maintenance"
	"changenotify/internal/metrics"
	"changenotify/internal/ops"
	"changenotify/internal/preference"
	"changenotify/internal/render"
	"changenotify/internal/runtime/supervisor"
	"changenotify/internal/spool"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	rt   *config.Runtime
	now  func() time.Time

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	channels *channel.Registry
	dir      *directory.Static
	prefs    *preference.Service
	renderer *render.Renderer
	tracker  *delivery.Tracker
	batcher  *batching.Manager
	disp     *dispatch.Dispatcher
	history  *history.Manager
	audit    *audit.Recorder
	maint    *maintenance.Service
	ops      *ops.Server
	spool    *spool.Spool
}

// Option customizes New. Tests use it to swap the clock or inject senders.
type Option func(*options)

type options struct {
	now     func() time.Time
	logger  *logx.Logger
	senders []channel.Sender
}

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogger replaces the configured log sinks.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.logger = &log } }

// WithSender registers s on top of the configured channels.
func WithSender(s channel.Sender) Option {
	return func(o *options) { o.senders = append(o.senders, s) }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	_, rt, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return build(cfgm, rt, opts...)
}

func build(cfgm *config.Manager, rt *config.Runtime, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{cfgm: cfgm, rt: rt, now: o.now}
	if o.logger != nil {
		a.log = *o.logger
	} else {
		a.logs, a.log = logx.New(rt.Logging)
	}
	cfgm.SetLogger(a.log)
	log := a.log

	store, err := storage.Open(rt.Storage, log)
	if err != nil {
		a.closeLogs()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.bus = eventbus.New()
	a.metrics = metrics.New()

	a.channels, _ = channel.Build(rt.Channels, log)
	for _, s := range o.senders {
		a.channels.Register(s, rt.Channels.Limits[s.Channel()])
	}

	a.dir, err = directory.NewStatic(rt.Directory)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.prefs = preference.New(store, log, preference.WithLocation(rt.Location), preference.WithClock(o.now))
	a.renderer, err = render.New(rt.Location)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	a.tracker = delivery.New(store, a.channels, log,
		delivery.WithRetryConfig(rt.Retry),
		delivery.WithBus(a.bus),
		delivery.WithMetrics(a.metrics),
		delivery.WithClock(o.now),
	)
	a.batcher = batching.New(rt.Batching, log,
		batching.WithBus(a.bus),
		batching.WithMetrics(a.metrics),
		batching.WithClock(o.now),
	)
	a.disp = dispatch.New(rt.Dispatch, a.dir, a.prefs, a.renderer, a.tracker, log,
		dispatch.WithBatcher(a.batcher),
		dispatch.WithChannels(a.channels),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithClock(o.now),
	)
	a.batcher.SetFlushFunc(a.disp.FlushBatch)

	a.history = history.New(store, a.tracker, log, history.WithBus(a.bus), history.WithClock(o.now))
	a.audit = audit.New(store, a.bus, log)
	a.maint = maintenance.New(rt.Location.String(), log, a.metrics)
	if err := a.maint.Set(a.jobs(rt)); err != nil {
		a.closeAll()
		return nil, err
	}
	a.ops = ops.NewServer(a.metrics.Registry, a.health, log)
	return a, nil
}

func (a *App) Logger() logx.Logger               { return a.log }
func (a *App) Runtime() *config.Runtime          { return a.rt }
func (a *App) Store() storage.Store              { return a.store }
func (a *App) Bus() eventbus.Bus                 { return a.bus }
func (a *App) Metrics() *metrics.Metrics         { return a.metrics }
func (a *App) Channels() *channel.Registry       { return a.channels }
func (a *App) Preferences() *preference.Service  { return a.prefs }
func (a *App) Tracker() *delivery.Tracker        { return a.tracker }
func (a *App) Batcher() *batching.Manager        { return a.batcher }
func (a *App) Dispatcher() *dispatch.Dispatcher  { return a.disp }
func (a *App) History() *history.Manager         { return a.history }
func (a *App) Maintenance() *maintenance.Service { return a.maint }

// Targets returns targets, or the configured defaults when it is empty.
func (a *App) Targets(targets []dispatch.RoleTarget) []dispatch.RoleTarget {
	if len(targets) > 0 {
		return targets
	}
	return a.rt.Spool.DefaultTargets
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// health backs /healthz.
func (a *App) health(ctx context.Context) (any, error) {
	type report struct {
		Channels       []string              `json:"channels"`
		PendingRetries int                   `json:"pending_retries"`
		BusDropped     uint64                `json:"bus_dropped"`
		Buffers        []batching.BufferInfo `json:"batch_buffers"`
		Jobs           []maintenance.JobInfo `json:"jobs"`
		Supervisor     supervisor.Snapshot   `json:"supervisor"`
	}
	r := report{
		PendingRetries: a.tracker.PendingRetries(),
		BusDropped:     eventbus.Dropped(a.bus),
		Buffers:        a.batcher.Snapshot(),
		Jobs:           a.maint.Snapshot(),
	}
	for _, ch := range a.channels.Channels() {
		r.Channels = append(r.Channels, string(ch))
	}
	var err error
	if a.sup != nil {
		r.Supervisor = a.sup.Snapshot()
		err = a.sup.Err()
	}
	if err == nil {
		if _, _, perr := a.store.ListRecords(ctx, storage.RecordFilter{Limit: 1}); perr != nil {
			err = fmt.Errorf("storage: %w", perr)
		}
	}
	return r, err
}

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeAll() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.closeLogs()
}

// Close releases storage and log sinks of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	a.closeLogs()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}
