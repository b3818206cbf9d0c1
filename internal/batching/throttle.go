package batching

import (
	"time"

	"golang.org/x/time/rate"

	"changenotify/internal/domain"
)

type throttleKey struct {
	UserID  string
	Channel domain.Channel
}

// throttleState tracks admissions of one (user, channel) pair.
type throttleState struct {
	admitted []time.Time // ascending, pruned to the last 24h
	burst    *rate.Limiter
	limits   Limits
}

// newThrottleState builds the state for l. The burst bucket refills at
// BurstLimit tokens per BurstWindow and is always driven with explicit times.
func newThrottleState(l Limits) *throttleState {
	st := &throttleState{limits: l}
	if l.BurstLimit > 0 {
		st.burst = rate.NewLimiter(rate.Every(l.BurstWindow/time.Duration(l.BurstLimit)), l.BurstLimit)
	}
	return st
}

func (s *throttleState) prune(now time.Time) {
	cut := now.Add(-24 * time.Hour)
	i := 0
	for i < len(s.admitted) && !s.admitted[i].After(cut) {
		i++
	}
	s.admitted = s.admitted[i:]
}

func (s *throttleState) countSince(t time.Time) int {
	n := 0
	for j := len(s.admitted) - 1; j >= 0 && s.admitted[j].After(t); j-- {
		n++
	}
	return n
}

// check decides whether one more admission fits. It only consumes budget
// when it returns ReasonOK.
func (s *throttleState) check(now time.Time) Reason {
	s.prune(now)
	l := s.limits
	if l.Cooldown > 0 && len(s.admitted) > 0 && now.Sub(s.admitted[len(s.admitted)-1]) < l.Cooldown {
		return ReasonCooldown
	}
	if l.PerHour > 0 && s.countSince(now.Add(-time.Hour)) >= l.PerHour {
		return ReasonHourlyLimit
	}
	if l.PerDay > 0 && len(s.admitted) >= l.PerDay {
		return ReasonDailyLimit
	}
	if s.burst != nil && !s.burst.AllowN(now, 1) {
		return ReasonBurstLimit
	}
	s.admitted = append(s.admitted, now)
	return ReasonOK
}

// record counts an exempt admission without checking it.
func (s *throttleState) record(now time.Time) {
	s.prune(now)
	s.admitted = append(s.admitted, now)
}

func exempt(cfg ThrottleConfig, sev domain.Severity) bool {
	if cfg.ExemptCritical && sev == domain.SeverityCritical {
		return true
	}
	if cfg.ExemptHighPriority && sev.Rank() >= domain.SeverityHigh.Rank() {
		return true
	}
	return false
}
