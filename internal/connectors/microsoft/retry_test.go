package microsoft

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

func TestRetryPolicyFromSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings domain.Settings
		want     RetryPolicy
	}{
		{
			name:     "configured limits",
			settings: domain.Settings{MaxRetries: 2, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second},
			want:     RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Jitter: 0.2},
		},
		{
			name:     "zero retries is kept",
			settings: domain.Settings{MaxRetries: 0, BaseBackoff: time.Second, MaxBackoff: time.Minute},
			want:     RetryPolicy{MaxRetries: 0, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2},
		},
		{
			name:     "unset durations use defaults",
			settings: domain.Settings{MaxRetries: -1},
			want:     RetryPolicy{MaxRetries: 0, BaseDelay: time.Second, MaxDelay: 60 * time.Second, Jitter: 0.2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryPolicyFromSettings(tt.settings))
		})
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: -1, expected: time.Second},
		{attempt: 0, expected: time.Second},
		{attempt: 1, expected: 2 * time.Second},
		{attempt: 2, expected: 4 * time.Second},
		{attempt: 3, expected: 8 * time.Second},
		{attempt: 4, expected: 10 * time.Second},
		{attempt: 40, expected: 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_DelayJitterStaysCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.5, Random: func() float64 { return 0.5 }}

	assert.Equal(t, 1250*time.Millisecond, p.Delay(0))
	assert.Equal(t, 5*time.Second, p.Delay(3))
}

func TestRetryPolicy_WaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DefaultRetryPolicy().Wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_NotifyUsesObserver(t *testing.T) {
	var got []RetryEvent
	p := RetryPolicy{MaxRetries: 3, Observer: func(ev RetryEvent) { got = append(got, ev) }}

	p.Notify(RetryEvent{Operation: "odata", Attempt: 1, Status: 429, Delay: time.Second})

	assert.Len(t, got, 1)
	assert.Equal(t, 3, got[0].MaxRetries)
	assert.Equal(t, 429, got[0].Status)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		expected time.Duration
		ok       bool
	}{
		{name: "seconds", value: "2", expected: 2 * time.Second, ok: true},
		{name: "fractional", value: "0.5", expected: 500 * time.Millisecond, ok: true},
		{name: "http date", value: "Wed, 01 May 2024 10:00:30 GMT", expected: 30 * time.Second, ok: true},
		{name: "past date", value: "Wed, 01 May 2024 09:00:00 GMT", expected: 0, ok: true},
		{name: "missing", value: "", ok: false},
		{name: "garbage", value: "soon", ok: false},
		{name: "negative", value: "-3", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			d, ok := RetryAfter(h, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, d)
		})
	}
}
