// Package preference answers "should this user hear about this change on this
// channel" from stored per-channel preferences.
package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changenotify/internal/domain"
	"changenotify/internal/storage"
	logx "changenotify/pkg/logx"
)

// Business hours are Mon-Fri [09:00, 17:00) local to the preference timezone.
const (
	businessStartHour = 9
	businessEndHour   = 17
)

var ErrInvalidPreference = errors.New("preference: invalid")

// Reason explains a negative decision.
type Reason string

const (
	ReasonOK             Reason = ""
	ReasonNoPreference   Reason = "no_enabled_preference"
	ReasonSeverity       Reason = "below_severity_filter"
	ReasonBusinessHours  Reason = "outside_business_hours"
	ReasonFrequencyDelay Reason = "frequency_window_not_elapsed"
)

// Service reads and updates preferences.
type Service struct {
	store storage.Store
	log   logx.Logger
	loc   *time.Location
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLocation sets the service timezone used when a preference has none.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(store storage.Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: store,
		log:   log.With(logx.String("comp", "preference")),
		loc:   time.Local,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetPreferences returns every channel preference of a user, disabled ones included.
func (s *Service) GetPreferences(ctx context.Context, userID string) ([]domain.Preference, error) {
	prefs, err := s.store.ListPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading preferences for %s: %w", userID, err)
	}
	return prefs, nil
}

// ShouldNotify reports whether an event of the given severity, detected at
// eventTime, may be sent to userID on ch right now.
func (s *Service) ShouldNotify(ctx context.Context, userID string, ch domain.Channel, sev domain.Severity, eventTime time.Time) (bool, error) {
	prefs, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range prefs {
		if p.Channel != ch {
			continue
		}
		ok, reason := s.Decide(p, sev, eventTime, s.now())
		if !ok {
			s.log.Debug("notification suppressed",
				logx.String("user", userID),
				logx.String("channel", string(ch)),
				logx.String("reason", string(reason)),
			)
		}
		return ok, nil
	}
	return false, nil
}

// Decide applies one preference to an event. It is the single place where the
// severity floor, business-hours gate and frequency rule are evaluated.
func (s *Service) Decide(p domain.Preference, sev domain.Severity, eventTime, now time.Time) (bool, Reason) {
	if !p.Enabled {
		return false, ReasonNoPreference
	}
	if !p.SeverityFilter.Admits(sev) {
		return false, ReasonSeverity
	}
	loc := s.location(p)
	if p.BusinessHoursOnly && !IsBusinessHours(now, loc) {
		return false, ReasonBusinessHours
	}

	switch p.Frequency {
	case domain.FrequencyHourly:
		if now.Sub(eventTime) <= time.Hour {
			return false, ReasonFrequencyDelay
		}
	case domain.FrequencyDaily:
		if now.Sub(eventTime) <= 24*time.Hour {
			return false, ReasonFrequencyDelay
		}
	case domain.FrequencyWeekly:
		if now.Sub(eventTime) <= 7*24*time.Hour {
			return false, ReasonFrequencyDelay
		}
	case domain.FrequencyBusinessHours:
		if !IsBusinessHours(now, loc) {
			return false, ReasonBusinessHours
		}
	}
	return true, ReasonOK
}

func (s *Service) location(p domain.Preference) *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
		s.log.Warn("unknown preference timezone", logx.String("user", p.UserID), logx.String("tz", p.Timezone))
	}
	return s.loc
}

// IsBusinessHours reports whether t falls in Mon-Fri 09:00-17:00 in loc.
func IsBusinessHours(t time.Time, loc *time.Location) bool {
	if loc != nil {
		t = t.In(loc)
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := t.Hour()
	return h >= businessStartHour && h < businessEndHour
}

// Upsert validates and stores a preference.
func (s *Service) Upsert(ctx context.Context, p domain.Preference) error {
	if err := Validate(p); err != nil {
		return err
	}
	if p.Frequency == "" {
		p.Frequency = domain.FrequencyImmediate
	}
	if p.SeverityFilter == "" {
		p.SeverityFilter = domain.SeverityAll
	}
	p.UpdatedAt = s.now()
	return s.store.UpsertPreference(ctx, p)
}

// Disable turns a channel off for a user. Preferences are never deleted.
func (s *Service) Disable(ctx context.Context, userID string, ch domain.Channel) error {
	prefs, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return err
	}
	for _, p := range prefs {
		if p.Channel == ch {
			p.Enabled = false
			p.UpdatedAt = s.now()
			return s.store.UpsertPreference(ctx, p)
		}
	}
	return fmt.Errorf("%w: no %s preference for %s", storage.ErrNotFound, ch, userID)
}

func Validate(p domain.Preference) error {
	var errs []error
	if p.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if _, err := domain.ParseChannel(string(p.Channel)); err != nil {
		errs = append(errs, err)
	}
	if p.SeverityFilter != "" {
		if _, err := domain.ParseSeverity(string(p.SeverityFilter)); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := domain.ParseFrequency(string(p.Frequency)); err != nil {
		errs = append(errs, err)
	}
	if p.BatchEnabled {
		if p.BatchSize <= 0 {
			errs = append(errs, errors.New("batch_size must be > 0"))
		}
		if p.BatchWindowMinutes <= 0 {
			errs = append(errs, errors.New("batch_window_minutes must be > 0"))
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPreference, err)
	}
	return nil
}
