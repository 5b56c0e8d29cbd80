package services

import "time"

// BackoffPolicy schedules entity-level retries after failed passes.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffPolicy returns 1s doubling up to 60s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 60 * time.Second}
}

// Delay returns the wait after the given number of consecutive failures:
// Base * 2^(failures-1), capped at Max. Zero failures means no wait.
func (p BackoffPolicy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	base, ceiling := p.Base, p.Max
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}

	d := base
	for i := 1; i < failures; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}
