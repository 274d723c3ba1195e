package backoff

import (
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, base},
		{1, base},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{10, max},
	}
	for _, c := range cases {
		got := Next(base, c.attempt, max)
		if got != c.want {
			t.Errorf("Next(%v, %d, %v) = %v, want %v", base, c.attempt, max, got, c.want)
		}
	}
}
