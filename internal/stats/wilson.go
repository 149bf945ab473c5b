// internal/stats/wilson.go
package stats

import "math"

// WilsonInterval is a score confidence interval for a binomial proportion.
type WilsonInterval struct {
	Center float64 `json:"center"`
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
}

// WilsonScore computes the Wilson score interval for successes/total at the
// given confidence level (e.g. 0.95). It behaves better than the normal
// approximation at the small sample sizes benchmark tiers run with.
// A zero total yields an all-zero interval.
func WilsonScore(successes, total int, confidence float64) WilsonInterval {
	if total <= 0 {
		return WilsonInterval{}
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}

	n := float64(total)
	p := float64(successes) / n
	z := normalQuantile(1 - (1-confidence)/2)
	z2 := z * z

	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n)) / denom

	lower := center - margin
	if lower < 0 {
		lower = 0
	}
	upper := center + margin
	if upper > 1 {
		upper = 1
	}

	return WilsonInterval{Center: center, Lower: lower, Upper: upper}
}

// normalQuantile approximates the standard normal inverse CDF using the
// Abramowitz & Stegun 26.2.23 rational approximation (|error| < 4.5e-4).
func normalQuantile(q float64) float64 {
	if q <= 0 {
		return math.Inf(-1)
	}
	if q >= 1 {
		return math.Inf(1)
	}
	if q == 0.5 {
		return 0
	}

	// Work on the lower tail and mirror.
	p := q
	sign := -1.0
	if q > 0.5 {
		p = 1 - q
		sign = 1.0
	}

	t := math.Sqrt(-2 * math.Log(p))
	const (
		c0 = 2.515517
		c1 = 0.802853
		c2 = 0.010328
		d1 = 1.432788
		d2 = 0.189269
		d3 = 0.001308
	)
	z := t - (c0+c1*t+c2*t*t)/(1+d1*t+d2*t*t+d3*t*t*t)
	return sign * z
}
