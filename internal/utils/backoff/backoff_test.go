package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	base := time.Second
	max := time.Minute
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{500, time.Minute},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Exponential(tc.attempt, base, max), "attempt %d", tc.attempt)
	}
}

func TestJitterBounds(t *testing.T) {
	d := 10 * time.Second
	assert.Equal(t, d, Jitter(d, 0, 0.9))
	assert.InDelta(t, float64(8*time.Second), float64(Jitter(d, 0.2, 0)), float64(time.Microsecond))
	assert.Equal(t, d, Jitter(d, 0.2, 0.5))
	for _, r := range []float64{0, 0.1, 0.5, 0.99} {
		got := Jitter(d, 0.2, r)
		assert.GreaterOrEqual(t, got, 8*time.Second)
		assert.LessOrEqual(t, got, 12*time.Second)
	}
}
