package delivery

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how a job is re-attempted after a transport failure.
type RetryPolicy struct {
	MaxAttempts int           // first attempt included
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration
	JitterPct   float64 // +/- fraction applied to each delay
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterPct:   0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.JitterPct < 0 {
		p.JitterPct = 0
	}
	return p
}

// Delay is the wait before retry number retry (0-based): BaseDelay * 2^retry,
// capped at MaxDelay, then jittered.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(retry))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	j := 1 + (rand.Float64()*2-1)*p.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(base * j)
}
