package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"changenotify/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by Transition when the record is not in any of
	// the expected source statuses.
	ErrConflict = errors.New("storage: status conflict")
	// ErrIllegalTransition is returned by Transition when the move itself is
	// not allowed by the delivery state machine. It matches ErrConflict.
	ErrIllegalTransition = fmt.Errorf("%w: illegal transition", ErrConflict)
	ErrClosed            = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Mutator adjusts a record inside a transition. The status is already set to
// the target when it runs.
type Mutator func(r *domain.Record)

// RecordFilter selects records. Zero fields match everything.
type RecordFilter struct {
	IDs           []string
	Statuses      []domain.Status
	Channel       domain.Channel
	UserID        string
	SourceEventID string
	// Recipient matches as a case-insensitive substring.
	Recipient string
	// From/To bound created_at (inclusive/exclusive).
	From time.Time
	To   time.Time

	MinRetries *int
	MaxRetries *int

	IncludeArchived bool

	// Limit 0 means unlimited.
	Limit  int
	Offset int
	// Ascending orders by created_at ascending; default is newest first.
	Ascending bool
}

// DeliveryEvent is one row of the delivery audit trail.
type DeliveryEvent struct {
	ID         int64
	At         time.Time
	RecordID   string
	Type       string
	Status     domain.Status
	Channel    domain.Channel
	UserID     string
	RetryCount int
	Error      string
	MetaJSON   string
}

// Store is the persistence API used by the delivery pipeline.
type Store interface {
	CreateRecord(ctx context.Context, r domain.Record) error
	GetRecord(ctx context.Context, id string) (domain.Record, error)
	// Transition moves a record to `to` only if its current status is one of
	// `from`. It returns the updated record, or ErrConflict with the current
	// record when the precondition fails.
	Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, mutate Mutator) (domain.Record, error)
	SetArchived(ctx context.Context, id string, archived bool) error
	// ListRecords returns the matching page plus the total match count.
	ListRecords(ctx context.Context, f RecordFilter) ([]domain.Record, int, error)
	// SearchRecords matches q case-insensitively against subject, body and error.
	SearchRecords(ctx context.Context, q string, limit int) ([]domain.Record, error)

	ListPreferences(ctx context.Context, userID string) ([]domain.Preference, error)
	UpsertPreference(ctx context.Context, p domain.Preference) error

	AppendEvent(ctx context.Context, e DeliveryEvent) error
	ListEvents(ctx context.Context, recordID string) ([]DeliveryEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int, error)

	Close() error
}

func statusIn(s domain.Status, set []domain.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// foldCase is the case folding shared by every store's substring filters.
func foldCase(s string) string { return strings.ToLower(s) }

// checkTransition validates a compare-and-set move out of cur.
func checkTransition(cur domain.Status, from []domain.Status, to domain.Status) error {
	if !statusIn(cur, from) {
		return ErrConflict
	}
	if !domain.CanTransition(cur, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, to)
	}
	return nil
}
