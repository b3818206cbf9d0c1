package domain

import (
	"time"
)

// Preference is one user's configuration for one channel.
// Unique per (UserID, Channel); disabled via Enabled=false, never deleted.
type Preference struct {
	UserID            string    `json:"user_id"`
	Channel           Channel   `json:"channel"`
	SeverityFilter    Severity  `json:"severity_filter"`
	Frequency         Frequency `json:"frequency"`
	Enabled           bool      `json:"is_enabled"`
	BusinessHoursOnly bool      `json:"business_hours_only"`
	BatchEnabled      bool      `json:"batch_enabled"`
	BatchSize         int       `json:"batch_size"`
	// BatchWindowMinutes is kept in minutes to match how operators configure it.
	BatchWindowMinutes int `json:"batch_window_minutes"`
	// Timezone is an IANA name; empty means the service timezone.
	Timezone  string    `json:"timezone,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchWindow returns the batch window as a duration.
func (p Preference) BatchWindow() time.Duration {
	return time.Duration(p.BatchWindowMinutes) * time.Minute
}

// Record is the persisted lineage of one notification's delivery attempts.
type Record struct {
	ID            string     `json:"id"`
	SourceEventID string     `json:"source_event_id"`
	UserID        string     `json:"user_id"`
	Channel       Channel    `json:"channel"`
	Recipient     string     `json:"recipient"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	Severity      Severity   `json:"severity"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	DeliveryTime  *float64   `json:"delivery_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	ResponseData  []byte     `json:"response_data,omitempty"`
	MessageID     string     `json:"message_id,omitempty"`
	BatchID       string     `json:"batch_id,omitempty"`
	ReplacedBy    string     `json:"replaced_by,omitempty"`
	Archived      bool       `json:"archived"`
}

// Result is the in-memory outcome of one delivery (or deliberate non-delivery).
type Result struct {
	RecordID     string     `json:"record_id,omitempty"`
	Channel      Channel    `json:"channel"`
	Success      bool       `json:"success"`
	Recipient    string     `json:"recipient"`
	MessageID    string     `json:"message_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	Status       Status     `json:"status,omitempty"`

	// Skipped marks a throttled or batched non-send. It is never a failure.
	Skipped bool   `json:"skipped,omitempty"`
	Batched bool   `json:"batched,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Event is a detected form/document change.
//
// The pipeline inspects ID, Severity and DetectedAt; Data is handed to the
// renderer untouched (agency_name, form_name, change_description, ...).
type Event struct {
	ID         string         `json:"event_id"`
	Severity   Severity       `json:"severity"`
	DetectedAt time.Time      `json:"detected_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// RenderData returns the variables a template sees: Data plus the inspected fields.
func (e Event) RenderData() map[string]any {
	out := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["event_id"] = e.ID
	out["severity"] = string(e.Severity)
	out["detected_at"] = e.DetectedAt
	return out
}

// User is a recipient as known to the directory.
type User struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Email    string `json:"email" yaml:"email"`
	// Addresses maps a channel to the recipient identifier on that channel
	// (slack member/channel, telegram chat id, webhook URL, ...).
	Addresses map[Channel]string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
}

// AddressFor returns the recipient for ch. Email falls back to User.Email.
func (u User) AddressFor(ch Channel) string {
	if a := u.Addresses[ch]; a != "" {
		return a
	}
	if ch == ChannelEmail {
		return u.Email
	}
	return ""
}
