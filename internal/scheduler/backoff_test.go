package scheduler

import (
	"testing"
	"time"
)

func TestRetryBackoffRespectsBounds(t *testing.T) {
	min := 250 * time.Millisecond
	max := 5 * time.Second

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, 1000 * time.Millisecond},
		{10, 5 * time.Second},
		{20, 5 * time.Second},
	}

	for _, c := range cases {
		if got := retryBackoff(c.attempts, min, max); got != c.want {
			t.Fatalf("retryBackoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}
