package queue

import (
	"math"
	"time"

	"github.com/kode4food/switchyard/pkg/api"
)

type backoffCalculator func(base int64, retry int) int64

var backoffCalculators = map[string]backoffCalculator{
	api.BackoffTypeFixed: func(base int64, _ int) int64 {
		return base
	},
	api.BackoffTypeLinear: func(base int64, retry int) int64 {
		return base * int64(retry+1)
	},
	api.BackoffTypeExponential: func(base int64, retry int) int64 {
		return int64(float64(base) * math.Pow(2, float64(retry)))
	},
}

const maxBackoffMs = int64(24 * time.Hour / time.Millisecond)

// Backoff returns the redelivery delay after the given number of failed
// attempts (starting at one) under cfg. The delay never exceeds
// MaxBackoffMs, or one day when that is unset
func Backoff(cfg *api.QueueConfig, failures int) time.Duration {
	if cfg.InitBackoffMs <= 0 || failures <= 0 {
		return 0
	}
	calc, ok := backoffCalculators[cfg.BackoffType]
	if !ok {
		calc = backoffCalculators[api.BackoffTypeExponential]
	}
	limit := cfg.MaxBackoffMs
	if limit <= 0 {
		limit = maxBackoffMs
	}
	delay := calc(cfg.InitBackoffMs, failures-1)
	if delay < 0 || delay > limit {
		delay = limit
	}
	return time.Duration(delay) * time.Millisecond
}

// Attempts returns how many deliveries an event gets under cfg before it is
// dead-lettered
func Attempts(cfg *api.QueueConfig) int {
	if cfg.MaxRetries < 0 {
		return 1
	}
	return cfg.MaxRetries + 1
}
