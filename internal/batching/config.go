package batching

import (
	"errors"
	"fmt"
	"time"

	"changenotify/internal/domain"
)

// Limits are the throttle limits of one channel.
type Limits struct {
	PerHour     int
	PerDay      int
	BurstLimit  int
	BurstWindow time.Duration
	Cooldown    time.Duration
}

type ThrottleConfig struct {
	Enabled bool
	Limits
	ExemptCritical bool
	// ExemptHighPriority exempts high and critical severities.
	ExemptHighPriority bool
	// PerChannel replaces Limits for the named channels.
	PerChannel map[domain.Channel]Limits
}

type BatchConfig struct {
	// PriorityOverride sends critical notifications immediately even when
	// the preference asks for batching.
	PriorityOverride bool
	// BySeverity keeps separate buffers per severity.
	BySeverity bool
	// DefaultSize and DefaultWindow apply when the preference leaves them unset.
	DefaultSize   int
	DefaultWindow time.Duration
}

type Config struct {
	Throttle ThrottleConfig
	Batch    BatchConfig
}

func DefaultConfig() Config {
	return Config{
		Throttle: ThrottleConfig{
			Enabled: true,
			Limits: Limits{
				PerHour:     10,
				PerDay:      50,
				BurstLimit:  5,
				BurstWindow: 5 * time.Minute,
			},
			ExemptCritical: true,
		},
		Batch: BatchConfig{
			PriorityOverride: true,
			DefaultSize:      10,
			DefaultWindow:    60 * time.Minute,
		},
	}
}

func (c Config) limitsFor(ch domain.Channel) Limits {
	if l, ok := c.Throttle.PerChannel[ch]; ok {
		return l
	}
	return c.Throttle.Limits
}

func (l Limits) validate(name string) error {
	var errs []error
	if l.PerHour <= 0 {
		errs = append(errs, fmt.Errorf("%s: rate_limit_per_hour must be > 0", name))
	}
	if l.PerDay <= 0 {
		errs = append(errs, fmt.Errorf("%s: rate_limit_per_day must be > 0", name))
	}
	if l.BurstLimit < 0 {
		errs = append(errs, fmt.Errorf("%s: burst_limit must be >= 0", name))
	}
	if l.BurstLimit > 0 && l.BurstWindow <= 0 {
		errs = append(errs, fmt.Errorf("%s: burst_window must be > 0 when burst_limit is set", name))
	}
	if l.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("%s: cooldown must be >= 0", name))
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.Throttle.Enabled {
		errs = append(errs, c.Throttle.Limits.validate("throttle"))
		for ch, l := range c.Throttle.PerChannel {
			errs = append(errs, l.validate("throttle."+string(ch)))
		}
	}
	if c.Batch.DefaultSize <= 0 {
		errs = append(errs, errors.New("batch: default batch_size must be > 0"))
	}
	if c.Batch.DefaultWindow <= 0 {
		errs = append(errs, errors.New("batch: default batch_window must be > 0"))
	}
	return errors.Join(errs...)
}
