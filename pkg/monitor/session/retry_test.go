package session

import (
	"testing"
	"time"
)

func TestRetryPolicy_DefaultIsConstantAndUnbounded(t *testing.T) {
	b := DefaultRetryPolicy().Backoff()
	for i := 0; i < 1000; i++ {
		d, stop := b.Next()
		if stop {
			t.Fatalf("default policy stopped at attempt %d", i)
		}
		if d != DefaultRetryDelay {
			t.Fatalf("attempt %d delay=%v", i, d)
		}
	}
}

func TestRetryPolicy_ExponentialCapped(t *testing.T) {
	b := RetryPolicy{Strategy: StrategyExponential, Delay: time.Second, MaxDelay: 4 * time.Second}.Backoff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		d, stop := b.Next()
		if stop || d != w {
			t.Fatalf("attempt %d = %v,%v, want %v", i, d, stop, w)
		}
	}
}

func TestRetryPolicy_MaxRetries(t *testing.T) {
	b := RetryPolicy{Delay: time.Second, MaxRetries: 2}.Backoff()
	for i := 0; i < 2; i++ {
		if _, stop := b.Next(); stop {
			t.Fatalf("stopped early at %d", i)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatalf("expected stop after max retries")
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	b := RetryPolicy{Delay: 5 * time.Second, Jitter: time.Second}.Backoff()
	for i := 0; i < 100; i++ {
		d, _ := b.Next()
		if d < 4*time.Second || d > 6*time.Second {
			t.Fatalf("delay %v outside jitter window", d)
		}
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	cases := []struct {
		name string
		p    RetryPolicy
		ok   bool
	}{
		{"default", DefaultRetryPolicy(), true},
		{"exponential", RetryPolicy{Strategy: "Exponential", Delay: time.Second}, true},
		{"unknown strategy", RetryPolicy{Strategy: "linear", Delay: time.Second}, false},
		{"zero delay", RetryPolicy{Strategy: StrategyConstant}, false},
		{"negative jitter", RetryPolicy{Delay: time.Second, Jitter: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v, ok=%v", err, tc.ok)
			}
		})
	}
}
