package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetryStrategy maps a retry attempt number to a delay.
type RetryStrategy string

const (
	RetryImmediate          RetryStrategy = "immediate"
	RetryExponentialBackoff RetryStrategy = "exponential_backoff"
	RetryLinearBackoff      RetryStrategy = "linear_backoff"
	RetryFixedInterval      RetryStrategy = "fixed_interval"
)

func ParseRetryStrategy(s string) (RetryStrategy, error) {
	v := RetryStrategy(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case RetryImmediate, RetryExponentialBackoff, RetryLinearBackoff, RetryFixedInterval:
		return v, nil
	case "":
		return RetryExponentialBackoff, nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", s)
}

// RetryConfig controls one delivery lineage. It is not persisted per record;
// only MaxRetries is copied onto the record so the cap survives restarts.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Strategy          RetryStrategy
	BackoffMultiplier float64
}

// DefaultRetryConfig mirrors the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          300 * time.Second,
		Strategy:          RetryExponentialBackoff,
		BackoffMultiplier: 2,
	}
}

// Validate enforces the configuration constraints.
func (c RetryConfig) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.InitialDelay <= 0 {
		errs = append(errs, errors.New("initial_delay must be > 0"))
	}
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, errors.New("max_delay must be >= initial_delay"))
	}
	if _, err := ParseRetryStrategy(string(c.Strategy)); err != nil {
		errs = append(errs, err)
	}
	if c.Strategy == RetryExponentialBackoff && c.BackoffMultiplier <= 1 {
		errs = append(errs, errors.New("backoff_multiplier must be > 1"))
	}
	return errors.Join(errs...)
}
