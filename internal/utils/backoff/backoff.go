package backoff

import "time"

// Exponential returns min(max, base*2^(attempt-1)). Attempts below 1 are treated as 1.
func Exponential(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Jitter spreads d symmetrically by up to frac*d. r must be in [0,1).
func Jitter(d time.Duration, frac, r float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * frac
	out := time.Duration(float64(d) + (r*2-1)*spread)
	if out < 0 {
		return 0
	}
	return out
}
