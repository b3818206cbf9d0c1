package domain

import "fmt"

// Status is the delivery state of a Record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	// StatusReplaced marks a failed/expired record that was resent as a new record.
	StatusReplaced Status = "replaced"
)

// transitions lists the legal forward moves. Anything not listed is illegal.
var transitions = map[Status][]Status{
	StatusPending:  {StatusSending, StatusCancelled, StatusExpired},
	StatusSending:  {StatusDelivered, StatusRetrying, StatusFailed, StatusBounced, StatusCancelled},
	StatusRetrying: {StatusSending, StatusCancelled, StatusExpired},
	StatusFailed:   {StatusReplaced},
	StatusExpired:  {StatusReplaced},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further delivery work may happen for s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusBounced, StatusCancelled, StatusExpired, StatusReplaced:
		return true
	}
	return false
}

// IsActive reports whether s is pre-terminal (cancel/expire still apply).
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusSending, StatusRetrying:
		return true
	}
	return false
}

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusSending, StatusRetrying, StatusDelivered,
	StatusFailed, StatusBounced, StatusCancelled, StatusExpired, StatusReplaced,
}

func ParseStatus(s string) (Status, error) {
	for _, k := range Statuses {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}
