package microsoft

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// RetryEvent describes one scheduled retry. Events are informational and
// never change what a call returns.
type RetryEvent struct {
	Operation  string
	Attempt    int
	MaxRetries int
	Status     int
	Delay      time.Duration
	Err        error
}

// RetryPolicy is the throttling and transient-failure policy shared by
// the token provider and the OData client.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the first computed delay; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps computed delays. Server supplied delays are not capped.
	MaxDelay time.Duration
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Observer receives every retry. Nil logs a warning.
	Observer func(RetryEvent)
	// Random returns a value in [0, 1). Nil uses math/rand/v2.
	Random func() float64
}

// DefaultRetryPolicy returns the default policy: 5 retries from 1s up to 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     0.2,
	}
}

// RetryPolicyFromSettings builds the policy shared by the token provider
// and the OData client from the configured retry limits.
func RetryPolicyFromSettings(s domain.Settings) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = max(s.MaxRetries, 0)
	if s.BaseBackoff > 0 {
		p.BaseDelay = s.BaseBackoff
	}
	if s.MaxBackoff > 0 {
		p.MaxDelay = s.MaxBackoff
	}
	return p
}

// Delay computes the backoff before retry number attempt (zero based):
// BaseDelay * 2^attempt plus jitter, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}

	d := base
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if p.Jitter > 0 {
		random := p.Random
		if random == nil {
			random = rand.Float64
		}
		d += time.Duration(float64(d) * p.Jitter * random())
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Wait sleeps for d unless ctx is cancelled first.
func (p RetryPolicy) Wait(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Notify reports a retry to the observer.
func (p RetryPolicy) Notify(ev RetryEvent) {
	ev.MaxRetries = p.MaxRetries
	if p.Observer != nil {
		p.Observer(ev)
		return
	}
	LogRetry(ev)
}

// LogRetry is the default retry observer.
func LogRetry(ev RetryEvent) {
	if ev.Status != 0 {
		logger.Warn("%s: status %d, retry %d/%d in %s", ev.Operation, ev.Status, ev.Attempt, ev.MaxRetries, ev.Delay)
		return
	}
	logger.Warn("%s: %v, retry %d/%d in %s", ev.Operation, ev.Err, ev.Attempt, ev.MaxRetries, ev.Delay)
}

// RetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
