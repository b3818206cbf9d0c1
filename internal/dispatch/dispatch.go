// Package dispatch fans a change event out to every user of the targeted
// roles and routes each eligible (user, channel) pair through batching and
// delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"changenotify/internal/batching"
	"changenotify/internal/directory"
	"changenotify/internal/domain"
	"changenotify/internal/metrics"
	"changenotify/internal/preference"
	"changenotify/internal/render"
	logx "changenotify/pkg/logx"
)

var ErrInvalidEvent = errors.New("dispatch: invalid event")

// Skip reasons reported in Result.Reason next to the batching reasons.
const (
	ReasonChannelUnavailable = "channel_unavailable"
	ReasonNoRecipient        = "no_recipient_address"
	ReasonBatched            = "batched"
)

// RoleTarget names a role and the template its members receive. An empty
// Template falls back to the configured role template.
type RoleTarget struct {
	Role     string      `json:"role"`
	Template render.Kind `json:"template,omitempty"`
}

// Summary is the outcome of one fan-out.
type Summary struct {
	EventID       string                                      `json:"event_id"`
	Results       map[string]map[domain.Channel]domain.Result `json:"results"`
	TotalSent     int                                         `json:"total_sent"`
	TotalFailed   int                                         `json:"total_failed"`
	TotalRetrying int                                         `json:"total_retrying"`
	TotalSkipped  int                                         `json:"total_skipped"`
	TotalBatched  int                                         `json:"total_batched"`
	RolesNotified []string                                    `json:"roles_notified"`
}

type Preferences interface {
	GetPreferences(ctx context.Context, userID string) ([]domain.Preference, error)
	Decide(p domain.Preference, sev domain.Severity, eventTime, now time.Time) (bool, preference.Reason)
}

type Tracker interface {
	Submit(ctx context.Context, r domain.Record) (domain.Record, error)
	Track(ctx context.Context, recordID string) domain.Result
}

type Batcher interface {
	Process(ctx context.Context, c batching.Candidate) (batching.Decision, error)
}

// Channels reports which channels have a working sender.
type Channels interface {
	Has(ch domain.Channel) bool
}

type Config struct {
	// Concurrency bounds how many users are processed at once.
	Concurrency int
	// RoleTemplates maps a role to its default template kind.
	RoleTemplates map[string]render.Kind
	// DefaultTemplate applies to roles with no mapping.
	DefaultTemplate render.Kind
}

type Dispatcher struct {
	dir      directory.Directory
	prefs    Preferences
	renderer *render.Renderer
	batcher  Batcher
	tracker  Tracker
	channels Channels
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithBatcher(b Batcher) Option          { return func(d *Dispatcher) { d.batcher = b } }
func WithChannels(c Channels) Option        { return func(d *Dispatcher) { d.channels = c } }

func New(cfg Config, dir directory.Directory, prefs Preferences, renderer *render.Renderer, tracker Tracker, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		dir:      dir,
		prefs:    prefs,
		renderer: renderer,
		tracker:  tracker,
		log:      log.With(logx.String("comp", "dispatch")),
		now:      time.Now,
		cfg:      cfg,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

type work struct {
	user domain.User
	kind render.Kind
}

// Dispatch notifies every member of targets about e. A store failure while
// loading preferences or persisting a record aborts the fan-out.
func (d *Dispatcher) Dispatch(ctx context.Context, e domain.Event, targets []RoleTarget) (sum Summary, err error) {
	defer func() { d.metrics.ObserveDispatch(err == nil) }()

	if e.ID == "" {
		return Summary{}, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if e.Severity.Rank() == 0 {
		return Summary{}, fmt.Errorf("%w: severity %q", ErrInvalidEvent, e.Severity)
	}
	if e.DetectedAt.IsZero() {
		e.DetectedAt = d.now()
	}
	cfg := d.config()
	sum = Summary{EventID: e.ID, Results: map[string]map[domain.Channel]domain.Result{}}

	// A user holding several targeted roles is notified once, with the
	// template of the first role.
	var jobs []work
	seen := map[string]bool{}
	for _, t := range targets {
		users, err := d.dir.UsersByRole(ctx, t.Role)
		if errors.Is(err, directory.ErrUnknownRole) {
			d.log.Warn("unknown role skipped", logx.String("event", e.ID), logx.String("role", t.Role))
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("resolving role %s: %w", t.Role, err)
		}
		kind := t.Template
		if kind == "" {
			kind = cfg.RoleTemplates[t.Role]
		}
		if kind == "" {
			kind = cfg.DefaultTemplate
		}
		if kind == "" {
			kind = render.KindExecutiveSummary
		}
		if len(users) > 0 {
			sum.RolesNotified = append(sum.RolesNotified, t.Role)
		}
		for _, u := range users {
			if seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			jobs = append(jobs, work{user: u, kind: kind})
		}
	}

	rendered := newRenderCache(d.renderer, e)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Concurrency, 1))
	for _, w := range jobs {
		g.Go(func() error {
			results, err := d.notifyUser(gctx, e, w, rendered)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				return nil
			}
			mu.Lock()
			sum.Results[w.user.ID] = results
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.log.Error("dispatch aborted", logx.String("event", e.ID), logx.Err(err))
		return sum, err
	}

	for _, byCh := range sum.Results {
		for _, r := range byCh {
			switch {
			case r.Batched:
				sum.TotalBatched++
			case r.Skipped:
				sum.TotalSkipped++
			case r.Success:
				sum.TotalSent++
			case r.Status == domain.StatusRetrying:
				sum.TotalRetrying++
			default:
				sum.TotalFailed++
			}
		}
	}
	d.log.Info("event dispatched",
		logx.String("event", e.ID),
		logx.String("severity", string(e.Severity)),
		logx.Int("users", len(jobs)),
		logx.Int("sent", sum.TotalSent),
		logx.Int("failed", sum.TotalFailed),
		logx.Int("retrying", sum.TotalRetrying),
		logx.Int("skipped", sum.TotalSkipped),
		logx.Int("batched", sum.TotalBatched),
	)
	return sum, nil
}

func (d *Dispatcher) notifyUser(ctx context.Context, e domain.Event, w work, rendered *renderCache) (map[domain.Channel]domain.Result, error) {
	prefs, err := d.prefs.GetPreferences(ctx, w.user.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(prefs, func(i, j int) bool { return prefs[i].Channel < prefs[j].Channel })

	now := d.now()
	out := map[domain.Channel]domain.Result{}
	for _, p := range prefs {
		if ok, reason := d.prefs.Decide(p, e.Severity, e.DetectedAt, now); !ok {
			d.log.Debug("preference filtered",
				logx.String("event", e.ID),
				logx.String("user", w.user.ID),
				logx.String("channel", string(p.Channel)),
				logx.String("reason", string(reason)),
			)
			continue
		}
		recipient := w.user.AddressFor(p.Channel)
		if recipient == "" {
			out[p.Channel] = skipped(p.Channel, "", ReasonNoRecipient)
			continue
		}
		if d.channels != nil && !d.channels.Has(p.Channel) {
			out[p.Channel] = skipped(p.Channel, recipient, ReasonChannelUnavailable)
			continue
		}
		subject, body, err := rendered.get(w.kind)
		if err != nil {
			return nil, err
		}
		rec := domain.Record{
			SourceEventID: e.ID,
			UserID:        w.user.ID,
			Channel:       p.Channel,
			Recipient:     recipient,
			Subject:       subject,
			Body:          body,
			Severity:      e.Severity,
		}

		if d.batcher != nil {
			dec, err := d.batcher.Process(ctx, batching.Candidate{Record: rec, Preference: p})
			if err != nil {
				// A synchronous flush failed; this candidate itself is buffered.
				d.log.Warn("batch flush failed", logx.String("batch", dec.BatchID), logx.Err(err))
			}
			switch dec.Status {
			case batching.StatusThrottled:
				out[p.Channel] = skipped(p.Channel, recipient, string(dec.Reason))
				continue
			case batching.StatusBatched:
				if dec.Flushed && dec.Result != nil {
					out[p.Channel] = *dec.Result
					continue
				}
				out[p.Channel] = domain.Result{Channel: p.Channel, Recipient: recipient, Batched: true, Reason: ReasonBatched}
				continue
			}
		}

		saved, err := d.tracker.Submit(ctx, rec)
		if err != nil {
			return nil, err
		}
		out[p.Channel] = d.tracker.Track(ctx, saved.ID)
	}
	return out, nil
}

// FlushBatch delivers a flushed batch: one record per member, submitted and
// tracked in insertion order. Results line up with b.Members.
func (d *Dispatcher) FlushBatch(ctx context.Context, b batching.Batch) ([]domain.Result, error) {
	var errs []error
	out := make([]domain.Result, 0, len(b.Members))
	for _, m := range b.Members {
		m.BatchID = b.ID
		saved, err := d.tracker.Submit(ctx, m)
		if err != nil {
			errs = append(errs, err)
			out = append(out, domain.Result{Channel: m.Channel, Recipient: m.Recipient, ErrorMessage: err.Error(), Status: domain.StatusFailed})
			continue
		}
		out = append(out, d.tracker.Track(ctx, saved.ID))
	}
	return out, errors.Join(errs...)
}

func skipped(ch domain.Channel, recipient, reason string) domain.Result {
	return domain.Result{Channel: ch, Recipient: recipient, Skipped: true, Reason: reason}
}

// renderCache renders each template kind at most once per event.
type renderCache struct {
	r  *render.Renderer
	e  domain.Event
	mu sync.Mutex
	m  map[render.Kind][2]string
}

func newRenderCache(r *render.Renderer, e domain.Event) *renderCache {
	return &renderCache{r: r, e: e, m: map[render.Kind][2]string{}}
}

func (c *renderCache) get(k render.Kind) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[k]; ok {
		return v[0], v[1], nil
	}
	s, b, err := c.r.RenderEvent(k, c.e)
	if err != nil {
		return "", "", err
	}
	c.m[k] = [2]string{s, b}
	return s, b, nil
}
