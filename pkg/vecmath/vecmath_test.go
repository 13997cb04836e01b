package vecmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		next int
		ok   bool
	}{
		{"10", 10, 2, true},
		{"-2.5X", -2.5, 4, true},
		{"+.5", 0.5, 3, true},
		{"0.001", 0.001, 5, true},
		{"1.2.3", 1.2, 3, true},
		{"123456789", 123456780, 9, true},
		{"1E3", 1, 1, true},
		{"-", 0, 1, false},
		{"X", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		v, next, ok := ReadFloat(tt.in, 0)
		assert.Equal(t, tt.ok, ok, "ok for %q", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, v, 1e-9, "value for %q", tt.in)
			assert.Equal(t, tt.next, next, "next for %q", tt.in)
		}
	}
}

func TestReadFloatOffset(t *testing.T) {
	v, next, ok := ReadFloat("G1X-3.25Y4", 3)
	require.True(t, ok)
	assert.InDelta(t, -3.25, v, 1e-12)
	assert.Equal(t, 8, next)
}

func TestUnitVector(t *testing.T) {
	v := []float64{3, 4}
	mag := UnitVector(v)
	assert.Equal(t, 5.0, mag)
	assert.InDelta(t, 0.6, v[0], 1e-12)
	assert.InDelta(t, 0.8, v[1], 1e-12)

	zero := []float64{0, 0}
	assert.Equal(t, 0.0, UnitVector(zero))
}

func TestLimitByAxisMaximum(t *testing.T) {
	max := []float64{5000, 4000}
	assert.Equal(t, 5000.0, LimitByAxisMaximum(max, []float64{1, 0}))
	assert.Equal(t, 4000.0, LimitByAxisMaximum(max, []float64{0, -1}))

	diag := []float64{math.Sqrt2 / 2, math.Sqrt2 / 2}
	assert.InDelta(t, 4000*math.Sqrt2, LimitByAxisMaximum(max, diag), 1e-6)
	assert.Equal(t, SomeLargeValue, LimitByAxisMaximum(max, []float64{0, 0}))
}

func TestHypot(t *testing.T) {
	assert.Equal(t, 5.0, Hypot(3, 4))
}
