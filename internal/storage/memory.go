package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"changenotify/internal/domain"
)

type prefKey struct {
	userID  string
	channel domain.Channel
}

// memoryStore keeps everything in process memory. Records are copied on the
// way in and out so callers never share backing slices with the store.
type memoryStore struct {
	mu      sync.Mutex
	closed  bool
	records map[string]domain.Record
	prefs   map[prefKey]domain.Preference
	events  []DeliveryEvent
	nextEv  int64
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		records: map[string]domain.Record{},
		prefs:   map[prefKey]domain.Preference{},
		now:     time.Now,
	}
}

func cloneRecord(r domain.Record) domain.Record {
	if r.ResponseData != nil {
		r.ResponseData = append([]byte(nil), r.ResponseData...)
	}
	if r.DeliveryTime != nil {
		v := *r.DeliveryTime
		r.DeliveryTime = &v
	}
	if r.SentAt != nil {
		v := *r.SentAt
		r.SentAt = &v
	}
	return r
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) CreateRecord(ctx context.Context, r domain.Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[r.ID]; ok {
		return ErrConflict
	}
	s.records[r.ID] = cloneRecord(r)
	return nil
}

func (s *memoryStore) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Record{}, ErrClosed
	}
	r, ok := s.records[id]
	if !ok {
		return domain.Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *memoryStore) Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, mutate Mutator) (domain.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Record{}, ErrClosed
	}
	r, ok := s.records[id]
	if !ok {
		return domain.Record{}, ErrNotFound
	}
	if err := checkTransition(r.Status, from, to); err != nil {
		return cloneRecord(r), err
	}
	r = cloneRecord(r)
	r.Status = to
	r.UpdatedAt = s.now()
	if mutate != nil {
		mutate(&r)
	}
	s.records[id] = r
	return cloneRecord(r), nil
}

func (s *memoryStore) SetArchived(ctx context.Context, id string, archived bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Archived = archived
	r.UpdatedAt = s.now()
	s.records[id] = r
	return nil
}

func (f RecordFilter) match(r domain.Record) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == r.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Statuses) > 0 && !statusIn(r.Status, f.Statuses) {
		return false
	}
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.SourceEventID != "" && r.SourceEventID != f.SourceEventID {
		return false
	}
	if f.Recipient != "" && !strings.Contains(foldCase(r.Recipient), foldCase(f.Recipient)) {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	if f.MinRetries != nil && r.RetryCount < *f.MinRetries {
		return false
	}
	if f.MaxRetries != nil && r.RetryCount > *f.MaxRetries {
		return false
	}
	if r.Archived && !f.IncludeArchived {
		return false
	}
	return true
}

func (s *memoryStore) ListRecords(ctx context.Context, f RecordFilter) ([]domain.Record, int, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]domain.Record, 0, len(s.records))
	for _, r := range s.records {
		if f.match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if f.Ascending {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []domain.Record{}, total, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (s *memoryStore) SearchRecords(ctx context.Context, q string, limit int) ([]domain.Record, error) {
	q = foldCase(strings.TrimSpace(q))
	all, _, err := s.ListRecords(ctx, RecordFilter{IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0)
	for _, r := range all {
		if q == "" ||
			strings.Contains(foldCase(r.Subject), q) ||
			strings.Contains(foldCase(r.Body), q) ||
			strings.Contains(foldCase(r.ErrorMessage), q) {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memoryStore) ListPreferences(ctx context.Context, userID string) ([]domain.Preference, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]domain.Preference, 0, 4)
	for k, p := range s.prefs {
		if k.userID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (s *memoryStore) UpsertPreference(ctx context.Context, p domain.Preference) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.prefs[prefKey{userID: p.UserID, channel: p.Channel}] = p
	return nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, e DeliveryEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nextEv++
	e.ID = s.nextEv
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memoryStore) ListEvents(ctx context.Context, recordID string) ([]DeliveryEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeliveryEvent, 0)
	for _, e := range s.events {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	n := 0
	for _, e := range s.events {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}
