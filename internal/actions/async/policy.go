package async

import (
	"math"
	"time"
)

// RetryPolicy bounds a poll chain. Delays grow from Base by Multiplier up to
// Cap, and the cumulative worst-case wait stays strictly below Window, the
// provider's result retention.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Window     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       10 * time.Second,
		Multiplier: 2,
		Cap:        5 * time.Minute,
		Window:     time.Hour,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	return p
}

// Delay is the wait before attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	f := float64(p.Base) * math.Pow(p.Multiplier, float64(n-1))
	if math.IsInf(f, 0) || f >= float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(f)
}

// MaxRetries is the largest attempt count whose cumulative delay is still
// strictly below Window.
func (p RetryPolicy) MaxRetries() int {
	p = p.normalized()
	var total time.Duration
	n := 0
	for {
		next := total + p.Delay(n+1)
		if next >= p.Window {
			return n
		}
		total = next
		n++
	}
}

// Budget is the cumulative wait of a chain that uses every retry.
func (p RetryPolicy) Budget() time.Duration {
	var total time.Duration
	for i := 1; i <= p.MaxRetries(); i++ {
		total += p.Delay(i)
	}
	return total
}
