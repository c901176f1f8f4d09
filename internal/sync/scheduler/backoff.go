package scheduler

import "time"

// Backoff returns min(base * 2^retryCount, ceiling).
func Backoff(retryCount int, base, ceiling time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Jitter spreads d by up to ±fraction. r must be in [0, 1).
func Jitter(d time.Duration, fraction, r float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + fraction*(2*r-1)))
}
