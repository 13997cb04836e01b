// Package vecmath holds the numeric helpers shared by the interpreter,
// planner and settings: text-to-float scanning and small fixed-size vector
// operations over the machine axes.
package vecmath

import "math"

// NAxis is the number of machine axes.
const NAxis = 2

// Axis indexes. Must start at zero and be contiguous.
const (
	AxisX = 0
	AxisY = 1
)

// AxisNames maps an axis index to its G-code letter.
var AxisNames = [NAxis]byte{'X', 'Y'}

// SomeLargeValue stands in for "unlimited" when a speed has no practical cap.
const SomeLargeValue = 1.0e38

// maxIntDigits is the number of significant digits kept while scanning a number.
const maxIntDigits = 8

// ReadFloat scans a decimal number starting at line[i]. An optional sign,
// digits and a single decimal point are accepted; exponents are not. Digits
// beyond maxIntDigits are dropped but still scale the integer part. It
// returns the value, the index of the first unconsumed byte and false when
// no digit was found.
func ReadFloat(line string, i int) (float64, int, bool) {
	if i >= len(line) {
		return 0, i, false
	}
	neg := false
	switch line[i] {
	case '-':
		neg = true
		i++
	case '+':
		i++
	}

	var intval uint32
	exp := 0
	ndigit := 0
	decimal := false
	for ; i < len(line); i++ {
		c := line[i]
		if c >= '0' && c <= '9' {
			ndigit++
			if ndigit <= maxIntDigits {
				if decimal {
					exp--
				}
				intval = intval*10 + uint32(c-'0')
			} else if !decimal {
				exp++
			}
			continue
		}
		if c == '.' && !decimal {
			decimal = true
			continue
		}
		break
	}
	if ndigit == 0 {
		return 0, i, false
	}

	v := float64(intval)
	if v != 0 {
		for exp <= -2 {
			v *= 0.01
			exp += 2
		}
		if exp < 0 {
			v *= 0.1
		} else {
			for ; exp > 0; exp-- {
				v *= 10
			}
		}
	}
	if neg {
		v = -v
	}
	return v, i, true
}

// Hypot returns sqrt(x*x + y*y).
func Hypot(x, y float64) float64 {
	return math.Sqrt(x*x + y*y)
}

// UnitVector normalizes v in place and returns its original magnitude.
func UnitVector(v []float64) float64 {
	var mag float64
	for _, c := range v {
		if c != 0 {
			mag += c * c
		}
	}
	mag = math.Sqrt(mag)
	if mag == 0 {
		return 0
	}
	inv := 1.0 / mag
	for i := range v {
		v[i] *= inv
	}
	return mag
}

// LimitByAxisMaximum returns the largest scalar along unit that keeps every
// axis component within its maximum. Zero components do not constrain it.
func LimitByAxisMaximum(max, unit []float64) float64 {
	limit := SomeLargeValue
	for i, u := range unit {
		if u != 0 {
			limit = math.Min(limit, math.Abs(max[i]/u))
		}
	}
	return limit
}
