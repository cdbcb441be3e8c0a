package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the retry delay for attempt n (1-based): InitialDelay grown
// by Multiplier per attempt and capped at MaxDelay. Without jitter the
// sequence never decreases.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter > 0 && rng != nil {
		delay *= 1 + b.Jitter*(2*rng.Float64()-1)
	}
	return time.Duration(delay)
}
