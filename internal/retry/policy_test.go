package retry

import (
	"testing"
	"time"
)

func TestDelayModes(t *testing.T) {
	cases := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"fixed", Policy{Mode: BackoffFixed, Initial: time.Second, Max: time.Minute}, 3, time.Second},
		{"linear", Policy{Mode: BackoffLinear, Initial: time.Second, Max: time.Minute}, 3, 3 * time.Second},
		{"exponential", Policy{Mode: BackoffExponential, Initial: time.Second, Max: time.Minute}, 4, 8 * time.Second},
		{"exponential capped", Policy{Mode: BackoffExponential, Initial: time.Second, Max: 5 * time.Second}, 10, 5 * time.Second},
		{"zero attempt", DefaultPolicy(), 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Delay(tc.attempt); got != tc.want {
				t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestNewPolicyFallbacks(t *testing.T) {
	p := NewPolicy("bogus", 0, 0, -1)
	def := DefaultPolicy()
	if p != def {
		t.Errorf("invalid inputs should yield defaults: %+v", p)
	}

	p = NewPolicy(BackoffFixed, 10*time.Second, 5*time.Second, 1)
	if p.Initial != 5*time.Second {
		t.Errorf("initial should clamp to max: %v", p.Initial)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	bad := Policy{Mode: BackoffFixed, Initial: 0, Max: time.Second}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero initial")
	}
}
