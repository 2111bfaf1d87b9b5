package resilience

import (
	"math"
	"time"
)

// Policy is how one class of remote call is retried and when its breaker
// trips. Each class gets its own Executor so tuning one never changes
// another.
type Policy struct {
	// Name prefixes breaker names and log lines, e.g. "classify".
	Name string
	// MaxAttempts counts the first call too.
	MaxAttempts int
	Backoff     Backoff
	// Breaker is nil when calls of this class never trip a breaker.
	Breaker *BreakerPolicy
}

// Backoff grows the wait between attempts geometrically up to Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

type BreakerPolicy struct {
	MinRequests      uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

// ClassifyPolicy governs generative model calls: a slow backoff for a
// rate-limited service and a breaker that stops hammering it when it is down.
func ClassifyPolicy(maxAttempts int, breaker bool) Policy {
	p := Policy{
		Name:        "classify",
		MaxAttempts: maxAttempts,
		Backoff:     Backoff{Initial: time.Second, Max: 8 * time.Second, Multiplier: 2},
	}
	if breaker {
		p.Breaker = &BreakerPolicy{MinRequests: 10, FailureRatio: 0.5, OpenTimeout: 30 * time.Second, HalfOpenMaxCalls: 2}
	}
	return p
}

// StoragePolicy governs writes of original files: 1s doubling backoff and
// no breaker, since a failed upload already fails its file.
func StoragePolicy(maxAttempts int) Policy {
	return Policy{
		Name:        "storage",
		MaxAttempts: maxAttempts,
		Backoff:     Backoff{Initial: time.Second, Max: 16 * time.Second, Multiplier: 2},
	}
}

// PublishPolicy governs best-effort status fan-out. Retries are short and
// an unreachable broker is skipped quickly once the breaker opens.
func PublishPolicy() Policy {
	return Policy{
		Name:        "publish",
		MaxAttempts: 2,
		Backoff:     Backoff{Initial: 50 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 2},
		Breaker:     &BreakerPolicy{MinRequests: 5, FailureRatio: 0.5, OpenTimeout: 30 * time.Second, HalfOpenMaxCalls: 1},
	}
}

// Delay is the wait after failed attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func (p Policy) normalize() Policy {
	if p.Name == "" {
		p.Name = "call"
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = 100 * time.Millisecond
	}
	if p.Backoff.Max < p.Backoff.Initial {
		p.Backoff.Max = p.Backoff.Initial
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = 2
	}
	if b := p.Breaker; b != nil {
		cp := *b
		if cp.MinRequests == 0 {
			cp.MinRequests = 10
		}
		if cp.FailureRatio <= 0 || cp.FailureRatio > 1 {
			cp.FailureRatio = 0.5
		}
		if cp.OpenTimeout <= 0 {
			cp.OpenTimeout = 30 * time.Second
		}
		if cp.HalfOpenMaxCalls == 0 {
			cp.HalfOpenMaxCalls = 1
		}
		p.Breaker = &cp
	}
	return p
}
