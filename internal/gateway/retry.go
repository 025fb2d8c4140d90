package gateway

import (
	"math"
	"time"

	"github.com/ignite/sms-dispatch/internal/config"
)

// Strategy is one resolved backoff policy for a failed send.
type Strategy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool
	Multiplier  float64
	MaxDelay    time.Duration
}

// Delay returns how long to wait before the retry following the given
// zero-based attempt. Exponential growth is capped at MaxDelay; linear
// backoff grows by BaseDelay per attempt.
func (s Strategy) Delay(attempt int) time.Duration {
	if s.Exponential {
		d := float64(s.BaseDelay) * math.Pow(s.Multiplier, float64(attempt))
		if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
			d = float64(s.MaxDelay)
		}
		return time.Duration(d)
	}
	return s.BaseDelay * time.Duration(attempt+1)
}

// Resolver classifies failed sends into configured retry buckets.
type Resolver struct {
	rateLimit   Strategy
	serverError Strategy
	overload    Strategy
	fallback    Strategy

	rateLimitCodes map[int]bool
	overloadCodes  map[int]bool
}

// NewResolver builds a resolver from the configured buckets.
func NewResolver(cfg config.RetryConfig) *Resolver {
	r := &Resolver{
		rateLimit:      bucketStrategy("rate_limit", cfg.RateLimit),
		serverError:    bucketStrategy("server_error", cfg.ServerError),
		overload:       bucketStrategy("overload", cfg.Overload),
		fallback:       bucketStrategy("default", cfg.Default),
		rateLimitCodes: codeSet(cfg.RateLimit.ErrorCodes),
		overloadCodes:  codeSet(cfg.Overload.ErrorCodes),
	}
	return r
}

func bucketStrategy(name string, b config.RetryBucket) Strategy {
	return Strategy{
		Name:        name,
		MaxAttempts: b.MaxAttempts,
		BaseDelay:   b.BaseDelay(),
		Exponential: b.UseExponentialBackoff,
		Multiplier:  b.BackoffMultiplier,
		MaxDelay:    b.MaxDelay(),
	}
}

func codeSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// Resolve picks the backoff policy for a failed call. Bucket priority:
// rate-limit, then the 5xx family, then gateway overload codes, then the
// default bucket for everything else (network errors carry no code).
func (r *Resolver) Resolve(err error) Strategy {
	code := CodeFrom(err)
	switch {
	case code == 429 || r.rateLimitCodes[code]:
		return r.rateLimit
	case code >= 500 && code < 600:
		return r.serverError
	case r.overloadCodes[code]:
		return r.overload
	default:
		return r.fallback
	}
}
