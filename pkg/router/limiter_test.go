package router

import (
	"context"
	"testing"
)

func TestZeroBurstLimitStillAllows(t *testing.T) {
	s := NewMemoryLimiterStore()
	ok, err := s.Allow(context.Background(), "agent://acme/node-1/producer", RateLimit{PerSecond: 5}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("a limit with unset burst must still admit traffic")
	}
}

func TestNormalizedFillsUnusableFields(t *testing.T) {
	cases := []struct {
		in        RateLimit
		perSecond float64
		burst     int
	}{
		{RateLimit{}, 1, 1},
		{RateLimit{PerSecond: 5}, 5, 5},
		{RateLimit{PerSecond: 0.5}, 0.5, 1},
		{RateLimit{PerSecond: 10, Burst: 20}, 10, 20},
	}
	for _, c := range cases {
		got := c.in.normalized()
		if got.PerSecond != c.perSecond || got.Burst != c.burst {
			t.Fatalf("normalized(%+v) = %+v, want per=%v burst=%d", c.in, got, c.perSecond, c.burst)
		}
	}
}
