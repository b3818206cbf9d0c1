// Package audit persists delivery lifecycle events from the event bus into
// the store's audit trail.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"changenotify/internal/domain"
	"changenotify/internal/eventbus"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

const defaultBuffer = 1024

type Recorder struct {
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
	buffer int

	mu     sync.Mutex
	events <-chan eventbus.Event
	unsub  func()
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "audit")), buffer: defaultBuffer}
}

// Attach subscribes to the bus ahead of Run so events published between
// Attach and Run are kept. Run attaches on its own when needed.
func (r *Recorder) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events, r.unsub = r.bus.Subscribe(r.buffer)
	}
}

// Run writes events until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	r.Attach()
	r.mu.Lock()
	events, unsub := r.events, r.unsub
	r.mu.Unlock()
	defer func() {
		unsub()
		r.mu.Lock()
		r.events, r.unsub = nil, nil
		r.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.Record(context.WithoutCancel(ctx), e)
		}
	}
}

// Record writes one bus event. Events without a delivery payload are ignored.
func (r *Recorder) Record(ctx context.Context, e eventbus.Event) {
	d, ok := e.Data.(eventbus.Delivery)
	if !ok {
		return
	}
	row := storage.DeliveryEvent{
		At:         e.Time,
		RecordID:   d.RecordID,
		Type:       e.Type,
		Status:     domain.Status(d.Status),
		Channel:    domain.Channel(d.Channel),
		UserID:     d.UserID,
		RetryCount: d.RetryCount,
		Error:      d.Error,
	}
	if row.At.IsZero() {
		row.At = time.Now()
	}
	if meta := metaOf(d); meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			row.MetaJSON = string(b)
		}
	}
	if err := r.store.AppendEvent(ctx, row); err != nil {
		r.log.Warn("audit write failed", logx.String("type", e.Type), logx.String("record", d.RecordID), logx.Err(err))
	}
}

func metaOf(d eventbus.Delivery) map[string]any {
	m := map[string]any{}
	if d.Delay > 0 {
		m["delay"] = d.Delay.String()
	}
	if d.BatchID != "" {
		m["batch_id"] = d.BatchID
	}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
