// Package history is the query and replay surface over delivery records.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"changenotify/internal/domain"
	"changenotify/internal/eventbus"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

var (
	ErrNotResendable  = errors.New("history: only failed or expired records can be resent")
	ErrNotCancellable = errors.New("history: only pending or retrying records can be cancelled")
	ErrUnknownOp      = errors.New("history: unknown bulk operation")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Tracker is the delivery dependency used for replay and cancellation.
type Tracker interface {
	Submit(ctx context.Context, r domain.Record) (domain.Record, error)
	Track(ctx context.Context, recordID string) domain.Result
	Cancel(ctx context.Context, id string) (bool, error)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Statuses        []domain.Status
	Channel         domain.Channel
	UserID          string
	SourceEventID   string
	Recipient       string
	From            time.Time
	To              time.Time
	MinRetries      *int
	MaxRetries      *int
	IncludeArchived bool
}

// Page is 1-based.
type Page struct {
	Page int
	Size int
}

type PageResult struct {
	Records []domain.Record `json:"records"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Size    int             `json:"size"`
	Pages   int             `json:"pages"`
}

type Manager struct {
	store   storage.Store
	tracker Tracker
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Manager)

func WithBus(bus eventbus.Bus) Option       { return func(m *Manager) { m.bus = bus } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(store storage.Store, tracker Tracker, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		store:   store,
		tracker: tracker,
		bus:     eventbus.Nop(),
		log:     log.With(logx.String("comp", "history")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// List returns one page of records, newest first.
func (m *Manager) List(ctx context.Context, f Filter, p Page) (PageResult, error) {
	p = p.normalize()
	recs, total, err := m.store.ListRecords(ctx, storage.RecordFilter{
		Statuses:        f.Statuses,
		Channel:         f.Channel,
		UserID:          f.UserID,
		SourceEventID:   f.SourceEventID,
		Recipient:       f.Recipient,
		From:            f.From,
		To:              f.To,
		MinRetries:      f.MinRetries,
		MaxRetries:      f.MaxRetries,
		IncludeArchived: f.IncludeArchived,
		Limit:           p.Size,
		Offset:          (p.Page - 1) * p.Size,
	})
	if err != nil {
		return PageResult{}, fmt.Errorf("listing records: %w", err)
	}
	return PageResult{
		Records: recs,
		Total:   total,
		Page:    p.Page,
		Size:    p.Size,
		Pages:   (total + p.Size - 1) / p.Size,
	}, nil
}

// Search matches query case-insensitively against subject, body and error.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]domain.Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	return m.store.SearchRecords(ctx, query, limit)
}

// Get returns a record with its audit trail.
func (m *Manager) Get(ctx context.Context, id string) (domain.Record, []storage.DeliveryEvent, error) {
	rec, err := m.store.GetRecord(ctx, id)
	if err != nil {
		return domain.Record{}, nil, err
	}
	events, err := m.store.ListEvents(ctx, id)
	if err != nil {
		return rec, nil, err
	}
	return rec, events, nil
}

// Resend replays a failed or expired record as a fresh record with its own
// retry budget. The original is marked replaced and points at the new one.
func (m *Manager) Resend(ctx context.Context, id string) (domain.Result, error) {
	orig, err := m.store.GetRecord(ctx, id)
	if err != nil {
		return domain.Result{}, err
	}
	replaceable := []domain.Status{domain.StatusFailed, domain.StatusExpired}
	if orig.Status != domain.StatusFailed && orig.Status != domain.StatusExpired {
		return domain.Result{}, fmt.Errorf("%w: %s is %s", ErrNotResendable, id, orig.Status)
	}

	fresh, err := m.tracker.Submit(ctx, domain.Record{
		SourceEventID: orig.SourceEventID,
		UserID:        orig.UserID,
		Channel:       orig.Channel,
		Recipient:     orig.Recipient,
		Subject:       orig.Subject,
		Body:          orig.Body,
		Severity:      orig.Severity,
	})
	if err != nil {
		return domain.Result{}, err
	}
	_, err = m.store.Transition(ctx, id, replaceable, domain.StatusReplaced, func(r *domain.Record) { r.ReplacedBy = fresh.ID })
	if err != nil {
		// Someone else replaced it first; withdraw the copy.
		if _, cerr := m.tracker.Cancel(ctx, fresh.ID); cerr != nil {
			m.log.Warn("withdrawing resend copy failed", logx.String("record", fresh.ID), logx.Err(cerr))
		}
		if errors.Is(err, storage.ErrConflict) {
			return domain.Result{}, fmt.Errorf("%w: %s changed concurrently", ErrNotResendable, id)
		}
		return domain.Result{}, err
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeReplaced, Time: m.now(), Data: eventbus.Delivery{
		RecordID: id,
		UserID:   orig.UserID,
		Channel:  string(orig.Channel),
		Status:   string(domain.StatusReplaced),
		Reason:   "replaced_by " + fresh.ID,
	}})
	m.log.Info("record resent", logx.String("record", id), logx.String("replaced_by", fresh.ID))
	return m.tracker.Track(ctx, fresh.ID), nil
}

// Cancel cancels a pending or retrying record.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	rec, err := m.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != domain.StatusPending && rec.Status != domain.StatusRetrying {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, rec.Status)
	}
	ok, err := m.tracker.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s finished before it could be cancelled", ErrNotCancellable, id)
	}
	return nil
}

// Archive flags a record for audit retention. It does not change its status.
func (m *Manager) Archive(ctx context.Context, id string, archived bool) error {
	return m.store.SetArchived(ctx, id, archived)
}

type BulkOp string

const (
	BulkResend  BulkOp = "resend"
	BulkCancel  BulkOp = "cancel"
	BulkArchive BulkOp = "archive"
)

// BulkResult reports per-id outcomes. One failing id never stops the rest.
type BulkResult struct {
	Op        BulkOp            `json:"op"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (m *Manager) Bulk(ctx context.Context, op BulkOp, ids []string) (BulkResult, error) {
	var fn func(id string) error
	switch op {
	case BulkResend:
		fn = func(id string) error { _, err := m.Resend(ctx, id); return err }
	case BulkCancel:
		fn = func(id string) error { return m.Cancel(ctx, id) }
	case BulkArchive:
		fn = func(id string) error { return m.Archive(ctx, id, true) }
	default:
		return BulkResult{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	res := BulkResult{Op: op, Failed: map[string]string{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		if err := fn(id); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	if len(res.Failed) > 0 {
		m.log.Warn("bulk operation partially failed", logx.String("op", string(op)), logx.Int("failed", len(res.Failed)), logx.Int("ok", len(res.Succeeded)))
	}
	return res, nil
}

type RecipientCount struct {
	Recipient string `json:"recipient"`
	Count     int    `json:"count"`
}

// Analytics is a rollup over records created in [From, To).
type Analytics struct {
	From                time.Time              `json:"from"`
	To                  time.Time              `json:"to"`
	Total               int                    `json:"total"`
	ByStatus            map[domain.Status]int  `json:"by_status"`
	ByChannel           map[domain.Channel]int `json:"by_channel"`
	TopRecipients       []RecipientCount       `json:"top_recipients"`
	AverageDeliveryTime float64                `json:"average_delivery_time_seconds"`
}

func (m *Manager) Analytics(ctx context.Context, from, to time.Time, topN int) (Analytics, error) {
	recs, _, err := m.store.ListRecords(ctx, storage.RecordFilter{From: from, To: to, IncludeArchived: true})
	if err != nil {
		return Analytics{}, err
	}
	a := Analytics{
		From:      from,
		To:        to,
		Total:     len(recs),
		ByStatus:  map[domain.Status]int{},
		ByChannel: map[domain.Channel]int{},
	}
	perRecipient := map[string]int{}
	var sum float64
	var timed int
	for _, r := range recs {
		a.ByStatus[r.Status]++
		a.ByChannel[r.Channel]++
		perRecipient[r.Recipient]++
		if r.Status == domain.StatusDelivered && r.DeliveryTime != nil {
			sum += *r.DeliveryTime
			timed++
		}
	}
	if timed > 0 {
		a.AverageDeliveryTime = sum / float64(timed)
	}
	for rcpt, n := range perRecipient {
		a.TopRecipients = append(a.TopRecipients, RecipientCount{Recipient: rcpt, Count: n})
	}
	sort.Slice(a.TopRecipients, func(i, j int) bool {
		if a.TopRecipients[i].Count != a.TopRecipients[j].Count {
			return a.TopRecipients[i].Count > a.TopRecipients[j].Count
		}
		return a.TopRecipients[i].Recipient < a.TopRecipients[j].Recipient
	})
	if topN <= 0 {
		topN = 10
	}
	if len(a.TopRecipients) > topN {
		a.TopRecipients = a.TopRecipients[:topN]
	}
	return a, nil
}
