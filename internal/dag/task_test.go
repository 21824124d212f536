package dag

import (
	"testing"
	"time"
)

// TestRetryPolicyDelay verifies delays double up to the cap and are
// monotonically non-decreasing. Jitter is disabled so values are exact.
func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:          5,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}

	want := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, 0},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, time.Second},
		{7, time.Second},
	}

	var prev time.Duration
	for _, w := range want {
		got := p.Delay(w.attempt)
		if got != w.delay {
			t.Errorf("Delay(%d) = %v, want %v", w.attempt, got, w.delay)
		}
		if got < prev {
			t.Errorf("Delay(%d) = %v decreased below %v", w.attempt, got, prev)
		}
		prev = got
	}
}

// TestRetryPolicyDelayJittered verifies jittered delays stay inside the
// randomization interval around the exponential base.
func TestRetryPolicyDelayJittered(t *testing.T) {
	p := RetryPolicy{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	for attempt := 2; attempt <= 5; attempt++ {
		base := time.Duration(float64(100*time.Millisecond) * pow(2.0, attempt-2))
		lo := time.Duration(float64(base) * 0.5)
		hi := time.Duration(float64(base) * 1.5)
		for i := 0; i < 20; i++ {
			got := p.Delay(attempt)
			if got < lo || got > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func TestBackoffUsesPolicyFields(t *testing.T) {
	p := RetryPolicy{
		InitialInterval:     250 * time.Millisecond,
		MaxInterval:         3 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}

	b := p.Backoff()
	if b.MaxElapsedTime != 0 {
		t.Errorf("MaxElapsedTime = %v, want 0 (attempt-counted budget)", b.MaxElapsedTime)
	}
	if got := b.NextBackOff(); got != 250*time.Millisecond {
		t.Errorf("first NextBackOff() = %v, want 250ms", got)
	}
	if got := b.NextBackOff(); got != 375*time.Millisecond {
		t.Errorf("second NextBackOff() = %v, want 375ms", got)
	}
}
