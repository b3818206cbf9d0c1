package delivery

import (
	"math"
	"time"

	"changenotify/internal/domain"
)

// CalculateRetryDelay returns the wait before retry number retryCount (1-based).
//
//	immediate           0
//	exponential_backoff initial * multiplier^(n-1)
//	linear_backoff      initial * n
//	fixed_interval      initial
//
// Every strategy is capped at MaxDelay.
func CalculateRetryDelay(retryCount int, cfg domain.RetryConfig) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	var d time.Duration
	switch cfg.Strategy {
	case domain.RetryImmediate:
		return 0
	case domain.RetryLinearBackoff:
		d = capMul(cfg.InitialDelay, float64(retryCount), cfg.MaxDelay)
	case domain.RetryFixedInterval:
		d = cfg.InitialDelay
	default:
		mult := cfg.BackoffMultiplier
		if mult <= 1 {
			mult = 2
		}
		d = capMul(cfg.InitialDelay, math.Pow(mult, float64(retryCount-1)), cfg.MaxDelay)
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// capMul multiplies base by f without overflowing time.Duration.
func capMul(base time.Duration, f float64, max time.Duration) time.Duration {
	v := float64(base) * f
	if max > 0 && v >= float64(max) {
		return max
	}
	if v >= math.MaxInt64 || math.IsInf(v, 0) || math.IsNaN(v) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}
