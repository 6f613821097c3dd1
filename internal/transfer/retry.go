package transfer

import (
	"math/rand"
	"time"

	"github.com/bobmcallan/fittransfer/internal/models"
)

// RetryPolicy is C6: computes the exponential-backoff-with-jitter delay
// sequence described in spec.md §4.6.
//
//	delay(n) = min(base * 2^(n-1), cap) * (0.5 + U[0,1))
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
	rand *rand.Rand
}

// NewRetryPolicy builds a RetryPolicy from a Settings.Retry snapshot.
func NewRetryPolicy(s models.RetrySettings) *RetryPolicy {
	return &RetryPolicy{
		Base: time.Duration(s.BaseDelaySeconds * float64(time.Second)),
		Cap:  time.Duration(s.MaxDelaySeconds * float64(time.Second)),
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the backoff duration for 1-based attempt index n.
func (p *RetryPolicy) Delay(n int) time.Duration {
	base := float64(p.Base)
	capped := base
	if n > 1 {
		capped = base * float64(int64(1)<<uint(n-1))
	}
	if max := float64(p.Cap); capped > max {
		capped = max
	}
	jitter := 0.5 + p.rand.Float64()
	return time.Duration(capped * jitter)
}
