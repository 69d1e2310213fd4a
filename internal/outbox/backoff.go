package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays. The delay for retry k is Base*2^k scaled by
// a random factor in [1-Jitter, 1+Jitter], then capped at Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// NewBackoff returns a Backoff using the process-wide random source.
func NewBackoff(base, maxDelay time.Duration, jitter float64) *Backoff {
	return &Backoff{Base: base, Max: maxDelay, Jitter: jitter, rand: rand.Float64}
}

// uncapped returns Base*2^k as a float so large k cannot overflow.
func (b *Backoff) uncapped(k int) float64 {
	return float64(b.Base) * math.Exp2(float64(max(k, 0)))
}

// Bounds returns the closed interval Delay(k) falls in:
// [Base*2^k*(1-Jitter), min(Max, Base*2^k*(1+Jitter))], with the lower end
// never above the upper.
func (b *Backoff) Bounds(k int) (lo, hi time.Duration) {
	n := b.uncapped(k)
	hiF := min(float64(b.Max), n*(1+b.Jitter))
	loF := min(n*(1-b.Jitter), hiF)
	return time.Duration(math.Round(loF)), time.Duration(math.Round(hiF))
}

// Delay returns the wait before retry number k (0-based).
func (b *Backoff) Delay(k int) time.Duration {
	lo, hi := b.Bounds(k)
	r := 0.5
	if b.rand != nil {
		r = b.rand()
	}
	d := b.uncapped(k) * (1 + b.Jitter*(2*r-1))
	d = max(float64(lo), min(float64(hi), d))
	return time.Duration(math.Round(d))
}
