// internal/stats/holm.go
package stats

import "sort"

// HolmBonferroni applies the Holm step-down correction to a set of raw
// p-values from simultaneous comparisons, controlling the family-wise error
// rate. The returned slice is aligned with the input order; every corrected
// value is >= its raw value and <= 1.
func HolmBonferroni(pValues []float64) []float64 {
	m := len(pValues)
	if m == 0 {
		return nil
	}

	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return pValues[order[i]] < pValues[order[j]]
	})

	corrected := make([]float64, m)
	running := 0.0
	for rank, idx := range order {
		adj := float64(m-rank) * pValues[idx]
		if adj < running {
			adj = running
		}
		if adj > 1 {
			adj = 1
		}
		running = adj
		corrected[idx] = adj
	}
	return corrected
}
