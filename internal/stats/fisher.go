// internal/stats/fisher.go
// Package stats implements the statistical primitives used by the regression
// detector: Fisher's exact test, the Wilson score interval, and the
// Holm-Bonferroni step-down correction. Everything is computed from scratch
// with log-factorials so small benchmark sample sizes stay exact.
package stats

import "math"

// FisherResult holds the outcome of a one-sided Fisher exact test.
type FisherResult struct {
	PValue    float64 `json:"pValue"`
	OddsRatio float64 `json:"oddsRatio"`
}

// FisherExact runs a one-sided (lower tail) Fisher exact test on the 2x2
// table {baselineCorrect, baselineWrong, currentCorrect, currentWrong}.
// The p-value is the probability, with all marginals fixed, of observing a
// current-correct count at or below the one seen. A small p-value therefore
// means the current run is correct less often than chance alone explains.
func FisherExact(baselineCorrect, baselineWrong, currentCorrect, currentWrong int) FisherResult {
	a, b, c, d := baselineCorrect, baselineWrong, currentCorrect, currentWrong
	n := a + b + c + d
	if n == 0 {
		return FisherResult{PValue: 1, OddsRatio: 1}
	}

	row1 := a + b
	row2 := c + d
	col1 := a + c

	// Smallest current-correct count compatible with the marginals.
	low := col1 - row1
	if low < 0 {
		low = 0
	}

	pValue := 0.0
	for k := low; k <= c; k++ {
		pValue += hypergeomProb(row1, row2, col1, n, k)
	}
	if pValue > 1 {
		pValue = 1
	}

	return FisherResult{PValue: pValue, OddsRatio: oddsRatio(a, b, c, d)}
}

// hypergeomProb returns P(currentCorrect == k) for fixed marginals.
func hypergeomProb(row1, row2, col1, n, k int) float64 {
	if k < 0 || k > row2 || col1-k < 0 || col1-k > row1 {
		return 0
	}
	logP := logChoose(row2, k) + logChoose(row1, col1-k) - logChoose(n, col1)
	return math.Exp(logP)
}

func oddsRatio(a, b, c, d int) float64 {
	num := float64(a) * float64(d)
	den := float64(b) * float64(c)
	if den == 0 {
		if num > 0 {
			return math.Inf(1)
		}
		return 1
	}
	return num / den
}

func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	return logFactorial(n) - logFactorial(k) - logFactorial(n-k)
}

// logFactorial computes ln(n!) by direct summation. Benchmark tables are
// tiny (tens of questions), so no Stirling approximation is needed.
func logFactorial(n int) float64 {
	sum := 0.0
	for i := 2; i <= n; i++ {
		sum += math.Log(float64(i))
	}
	return sum
}
