package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/jobservice/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestNone_IsZero(t *testing.T) {
	if got := (backoff.None{}).Delay(7); got != 0 {
		t.Errorf("Delay(7) = %v, want 0", got)
	}
}

func TestLinear(t *testing.T) {
	l := backoff.NewLinear(time.Second, 5*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{100, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 8*time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		upper := backoff.NewExponential(time.Second, 8*time.Second).Delay(attempt)
		for range 50 {
			got := e.Delay(attempt)
			if got < 0 || got > upper {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, got, upper)
			}
		}
	}
}

func TestFunc(t *testing.T) {
	f := backoff.Func(func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Millisecond
	})
	if got := f.Delay(-3); got != time.Millisecond {
		t.Errorf("Delay(-3) = %v, want 1ms", got)
	}
}

func TestTracker(t *testing.T) {
	tr := backoff.NewTracker(backoff.NewExponential(100*time.Millisecond, time.Second))

	if got := tr.Failure(); got != 100*time.Millisecond {
		t.Errorf("first failure = %v, want 100ms", got)
	}
	if got := tr.Failure(); got != 200*time.Millisecond {
		t.Errorf("second failure = %v, want 200ms", got)
	}
	if tr.Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", tr.Failures())
	}

	tr.Success()
	if got := tr.Failure(); got != 100*time.Millisecond {
		t.Errorf("after reset = %v, want 100ms", got)
	}
}
