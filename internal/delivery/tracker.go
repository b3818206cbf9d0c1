// Package delivery owns the per-record retry state machine.
//
// A record moves pending -> sending -> delivered, or on a transient failure
// sending -> retrying -> sending until the retry budget is spent (failed).
// Permanent failures stop at bounced. cancelled and expired are reachable from
// any pre-terminal state. Every move is a compare-and-set in the store, so a
// retry timer that fires after a cancel observes the new status and does
// nothing.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"changenotify/internal/channel"
	"changenotify/internal/domain"
	"changenotify/internal/eventbus"
	"changenotify/internal/metrics"
	rtsup "changenotify/internal/runtime/supervisor"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

var ErrStopped = errors.New("delivery tracker stopped")

// Sender is the narrow transport dependency. *channel.Registry implements it.
type Sender interface {
	Send(ctx context.Context, ch domain.Channel, msg channel.Message) (channel.Receipt, error)
}

// Tracker drives delivery attempts and persists every status change.
//
// It is safe for concurrent use.
type Tracker struct {
	store   storage.Store
	sender  Sender
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	cfg     domain.RetryConfig
	timers  map[string]*time.Timer
	sup     *rtsup.Supervisor
	stopped bool
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option       { return func(t *Tracker) { t.now = now } }
func WithBus(bus eventbus.Bus) Option             { return func(t *Tracker) { t.bus = bus } }
func WithMetrics(m *metrics.Metrics) Option       { return func(t *Tracker) { t.metrics = m } }
func WithRetryConfig(c domain.RetryConfig) Option { return func(t *Tracker) { t.cfg = c } }

func New(store storage.Store, sender Sender, log logx.Logger, opts ...Option) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{
		store:  store,
		sender: sender,
		bus:    eventbus.Nop(),
		log:    log.With(logx.String("comp", "delivery")),
		now:    time.Now,
		cfg:    domain.DefaultRetryConfig(),
		timers: map[string]*time.Timer{},
	}
	for _, o := range opts {
		o(t)
	}
	t.sup = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(t.log))
	return t
}

// Apply swaps the retry configuration used for new records and new delays.
func (t *Tracker) Apply(cfg domain.RetryConfig) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

func (t *Tracker) RetryConfig() domain.RetryConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Submit persists r as a fresh pending record and returns it.
func (t *Tracker) Submit(ctx context.Context, r domain.Record) (domain.Record, error) {
	cfg := t.RetryConfig()
	now := t.now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = domain.StatusPending
	r.RetryCount = 0
	r.MaxRetries = cfg.MaxRetries
	r.ErrorMessage = ""
	r.DeliveryTime = nil
	r.SentAt = nil
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := t.store.CreateRecord(ctx, r); err != nil {
		return domain.Record{}, fmt.Errorf("submit record: %w", err)
	}
	t.publish(eventbus.TypeQueued, r, 0, "")
	return r, nil
}

// Deliver submits r and makes the first attempt.
func (t *Tracker) Deliver(ctx context.Context, r domain.Record) (domain.Result, error) {
	rec, err := t.Submit(ctx, r)
	if err != nil {
		return domain.Result{}, err
	}
	return t.Track(ctx, rec.ID), nil
}

// Track makes one delivery attempt for a pending record. Failures never
// escape as errors: they are folded into the returned Result and, when budget
// remains, a retry is scheduled.
func (t *Tracker) Track(ctx context.Context, recordID string) domain.Result {
	return t.attempt(ctx, recordID, []domain.Status{domain.StatusPending})
}

func (t *Tracker) attempt(ctx context.Context, id string, from []domain.Status) domain.Result {
	rec, err := t.store.Transition(ctx, id, from, domain.StatusSending, nil)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			t.log.Debug("attempt skipped", logx.String("record", id), logx.String("status", string(rec.Status)))
			return resultOf(rec)
		}
		t.log.Error("attempt could not start", logx.String("record", id), logx.Err(err))
		return domain.Result{RecordID: id, ErrorMessage: err.Error()}
	}

	msg := channel.Message{
		Recipient: rec.Recipient,
		Subject:   rec.Subject,
		Body:      rec.Body,
		Severity:  rec.Severity,
		Metadata:  map[string]string{"record_id": rec.ID, "event_id": rec.SourceEventID},
	}
	start := t.now()
	rc, sendErr := t.safeSend(ctx, rec.Channel, msg)
	took := t.now().Sub(start)

	// Persisting the outcome must not be cut short by a caller deadline.
	pctx := context.WithoutCancel(ctx)
	if sendErr == nil {
		return t.succeed(pctx, rec, rc, took)
	}
	return t.fail(pctx, rec, sendErr, took)
}

func (t *Tracker) safeSend(ctx context.Context, ch domain.Channel, msg channel.Message) (rc channel.Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	if t.sender == nil {
		return channel.Receipt{}, channel.Permanent(channel.ErrUnavailable)
	}
	return t.sender.Send(ctx, ch, msg)
}

func (t *Tracker) succeed(ctx context.Context, rec domain.Record, rc channel.Receipt, took time.Duration) domain.Result {
	now := t.now()
	updated, err := t.store.Transition(ctx, rec.ID, []domain.Status{domain.StatusSending}, domain.StatusDelivered, func(r *domain.Record) {
		sent := now
		secs := now.Sub(r.CreatedAt).Seconds()
		r.SentAt = &sent
		r.DeliveryTime = &secs
		r.MessageID = rc.MessageID
		r.ResponseData = rc.Response
		r.ErrorMessage = ""
	})
	t.metrics.ObserveSend(string(rec.Channel), "delivered", took)
	if err != nil {
		// Cancelled while the send was in flight. The message did go out.
		t.log.Warn("delivered after status change", logx.String("record", rec.ID), logx.String("status", string(updated.Status)), logx.Err(err))
		res := resultOf(updated)
		res.Success = true
		res.MessageID = rc.MessageID
		return res
	}
	t.log.Info("delivered",
		logx.String("record", rec.ID),
		logx.String("channel", string(rec.Channel)),
		logx.Int("retry_count", updated.RetryCount),
		logx.Duration("took", took),
	)
	t.publish(eventbus.TypeSent, updated, 0, "")
	return resultOf(updated)
}

func (t *Tracker) fail(ctx context.Context, rec domain.Record, sendErr error, took time.Duration) domain.Result {
	msg := sendErr.Error()
	from := []domain.Status{domain.StatusSending}

	if channel.IsPermanent(sendErr) {
		updated, err := t.store.Transition(ctx, rec.ID, from, domain.StatusBounced, func(r *domain.Record) { r.ErrorMessage = msg })
		t.metrics.ObserveSend(string(rec.Channel), "bounced", took)
		if err != nil {
			return resultOf(updated)
		}
		t.log.Warn("bounced", logx.String("record", rec.ID), logx.String("channel", string(rec.Channel)), logx.Err(sendErr))
		t.publish(eventbus.TypeBounced, updated, 0, msg)
		return resultOf(updated)
	}

	if rec.RetryCount+1 > rec.MaxRetries {
		updated, err := t.store.Transition(ctx, rec.ID, from, domain.StatusFailed, func(r *domain.Record) { r.ErrorMessage = msg })
		t.metrics.ObserveSend(string(rec.Channel), "failed", took)
		if err != nil {
			return resultOf(updated)
		}
		t.log.Warn("delivery failed",
			logx.String("record", rec.ID),
			logx.String("channel", string(rec.Channel)),
			logx.Int("retry_count", updated.RetryCount),
			logx.Err(sendErr),
		)
		t.publish(eventbus.TypeFailed, updated, 0, msg)
		return resultOf(updated)
	}

	updated, err := t.store.Transition(ctx, rec.ID, from, domain.StatusRetrying, func(r *domain.Record) {
		r.RetryCount++
		r.ErrorMessage = msg
	})
	t.metrics.ObserveSend(string(rec.Channel), "retry", took)
	if err != nil {
		return resultOf(updated)
	}
	delay := CalculateRetryDelay(updated.RetryCount, t.RetryConfig())
	t.log.Debug("retry scheduled",
		logx.String("record", rec.ID),
		logx.Int("retry_count", updated.RetryCount),
		logx.Duration("delay", delay),
		logx.Err(sendErr),
	)
	t.schedule(updated.ID, delay)
	t.publish(eventbus.TypeRetryScheduled, updated, delay, msg)
	return resultOf(updated)
}

// schedule arms the single retry timer of a record.
func (t *Tracker) schedule(id string, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old := t.timers[id]; old != nil {
		old.Stop()
	}
	t.timers[id] = time.AfterFunc(delay, func() { t.fire(id) })
	t.metrics.SetPendingRetries(len(t.timers))
}

// fire hands the retry to the supervisor before the timer is forgotten, so
// Wait never observes neither a timer nor a running attempt in between.
func (t *Tracker) fire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.sup.Go0("delivery.retry", func(ctx context.Context) {
			// Only a record still waiting in retrying may be re-sent.
			t.attempt(ctx, id, []domain.Status{domain.StatusRetrying})
		})
	}
	delete(t.timers, id)
	t.metrics.SetPendingRetries(len(t.timers))
}

// unschedule stops and forgets the retry timer of a record.
func (t *Tracker) unschedule(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.timers[id]
	if ok {
		tm.Stop()
		delete(t.timers, id)
		t.metrics.SetPendingRetries(len(t.timers))
	}
	return ok
}

// PendingRetries returns the number of armed retry timers.
func (t *Tracker) PendingRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Cancel stops any scheduled retry and moves the record to cancelled.
// Cancelling a terminal record is a no-op and reports false.
func (t *Tracker) Cancel(ctx context.Context, id string) (bool, error) {
	t.unschedule(id)
	updated, err := t.store.Transition(ctx, id,
		[]domain.Status{domain.StatusPending, domain.StatusSending, domain.StatusRetrying},
		domain.StatusCancelled, nil)
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.log.Info("cancelled", logx.String("record", id))
	t.publish(eventbus.TypeCancelled, updated, 0, "")
	return true, nil
}

// CleanupExpired moves pending and retrying records created more than maxAge
// ago to expired.
func (t *Tracker) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	active := []domain.Status{domain.StatusPending, domain.StatusRetrying}
	cutoff := t.now().Add(-maxAge)
	recs, _, err := t.store.ListRecords(ctx, storage.RecordFilter{
		Statuses:        active,
		To:              cutoff,
		IncludeArchived: true,
		Ascending:       true,
	})
	if err != nil {
		return 0, fmt.Errorf("listing expirable records: %w", err)
	}
	n := 0
	reason := fmt.Sprintf("expired: older than %s", maxAge)
	for _, r := range recs {
		t.unschedule(r.ID)
		updated, err := t.store.Transition(ctx, r.ID, active, domain.StatusExpired, func(rec *domain.Record) {
			if rec.ErrorMessage == "" {
				rec.ErrorMessage = reason
			}
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		t.publish(eventbus.TypeExpired, updated, 0, reason)
	}
	if n > 0 {
		t.log.Info("expired stale records", logx.Int("count", n), logx.Duration("max_age", maxAge))
	}
	t.metrics.AddExpired(n)
	return n, nil
}

// Resume re-arms work left behind by a previous process: pending records are
// attempted, retrying records get their timer back and records stuck in
// sending count as an interrupted (transient) attempt.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	recs, _, err := t.store.ListRecords(ctx, storage.RecordFilter{
		Statuses:        []domain.Status{domain.StatusPending, domain.StatusSending, domain.StatusRetrying},
		IncludeArchived: true,
		Ascending:       true,
	})
	if err != nil {
		return 0, err
	}
	cfg := t.RetryConfig()
	for _, r := range recs {
		switch r.Status {
		case domain.StatusRetrying:
			t.schedule(r.ID, CalculateRetryDelay(r.RetryCount, cfg))
		case domain.StatusSending:
			t.fail(ctx, r, errors.New("attempt interrupted by restart"), 0)
		case domain.StatusPending:
			id := r.ID
			t.mu.Lock()
			sup := t.sup
			t.mu.Unlock()
			sup.Go0("delivery.resume", func(c context.Context) { t.Track(c, id) })
		}
	}
	if len(recs) > 0 {
		t.log.Info("resumed unfinished records", logx.Int("count", len(recs)))
	}
	return len(recs), nil
}

// Stop disarms every retry timer and waits for in-flight attempts. Records
// stay in retrying and are picked up again by Resume.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	t.metrics.SetPendingRetries(0)
	sup := t.sup
	t.mu.Unlock()

	err := sup.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		sup.Cancel()
		return err
	}
	return nil
}

// Wait blocks until no retry timer is armed and no attempt is running, or ctx
// ends. One-shot commands use it to let retries play out.
func (t *Tracker) Wait(ctx context.Context) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if t.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// idle reads the timer set and the running attempts under one lock. An
// attempt arms its next timer before it stops counting as active.
func (t *Tracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers) == 0 && t.sup.Snapshot().Active == 0
}

func (t *Tracker) publish(typ string, r domain.Record, delay time.Duration, errMsg string) {
	t.bus.Publish(eventbus.Event{Type: typ, Time: t.now(), Data: eventbus.Delivery{
		RecordID:   r.ID,
		UserID:     r.UserID,
		Channel:    string(r.Channel),
		Status:     string(r.Status),
		RetryCount: r.RetryCount,
		Delay:      delay,
		BatchID:    r.BatchID,
		Error:      errMsg,
	}})
}

func resultOf(r domain.Record) domain.Result {
	return domain.Result{
		RecordID:     r.ID,
		Channel:      r.Channel,
		Success:      r.Status == domain.StatusDelivered,
		Recipient:    r.Recipient,
		MessageID:    r.MessageID,
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		SentAt:       r.SentAt,
		Status:       r.Status,
	}
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch domain.Channel, msg channel.Message) (channel.Receipt, error)

func (f SenderFunc) Send(ctx context.Context, ch domain.Channel, msg channel.Message) (channel.Receipt, error) {
	return f(ctx, ch, msg)
}
