package stats

import (
	"math"
	"testing"
)

func TestFisherExactEmptyTable(t *testing.T) {
	result := FisherExact(0, 0, 0, 0)
	if result.PValue != 1 || result.OddsRatio != 1 {
		t.Fatalf("empty table: got pValue=%v oddsRatio=%v, want 1 and 1", result.PValue, result.OddsRatio)
	}
}

func TestFisherExactKnownRegression(t *testing.T) {
	// 8/10 baseline correct dropping to 3/10 current correct.
	result := FisherExact(8, 2, 3, 7)
	if math.Abs(result.PValue-0.0349) > 0.001 {
		t.Fatalf("8/10 -> 3/10: pValue = %v, want ~0.035", result.PValue)
	}
}

func TestFisherExactHighlySignificant(t *testing.T) {
	result := FisherExact(10, 0, 3, 7)
	if result.PValue >= 0.01 {
		t.Fatalf("10/10 -> 3/10: pValue = %v, want < 0.01", result.PValue)
	}
}

func TestFisherExactThresholdSensitivity(t *testing.T) {
	result := FisherExact(10, 0, 4, 6)
	if result.PValue >= 0.05 {
		t.Fatalf("10/10 -> 4/10: pValue = %v, want significant at alpha=0.05", result.PValue)
	}
	if result.PValue < 0.001 {
		t.Fatalf("10/10 -> 4/10: pValue = %v, should not be significant at alpha=0.001", result.PValue)
	}
}

func TestFisherExactIdenticalCounts(t *testing.T) {
	cases := [][2]int{{8, 2}, {10, 0}, {5, 5}, {1, 9}}
	for _, c := range cases {
		result := FisherExact(c[0], c[1], c[0], c[1])
		if result.PValue < 0.5 {
			t.Fatalf("identical counts %v: pValue = %v, want >= 0.5", c, result.PValue)
		}
	}
}

func TestFisherExactOddsRatio(t *testing.T) {
	result := FisherExact(10, 0, 3, 7)
	if !math.IsInf(result.OddsRatio, 1) {
		t.Fatalf("zero denominator with positive numerator: oddsRatio = %v, want +Inf", result.OddsRatio)
	}
	result = FisherExact(0, 10, 0, 10)
	if result.OddsRatio != 1 {
		t.Fatalf("zero numerator and denominator: oddsRatio = %v, want 1", result.OddsRatio)
	}
	result = FisherExact(8, 2, 3, 7)
	want := (8.0 * 7.0) / (2.0 * 3.0)
	if math.Abs(result.OddsRatio-want) > 1e-12 {
		t.Fatalf("oddsRatio = %v, want %v", result.OddsRatio, want)
	}
}

func TestWilsonScoreBracketsProportion(t *testing.T) {
	for successes := 0; successes <= 30; successes += 3 {
		ci := WilsonScore(successes, 30, 0.95)
		p := float64(successes) / 30
		if ci.Lower > p || ci.Upper < p {
			t.Fatalf("wilson(%d/30): [%v, %v] does not bracket %v", successes, ci.Lower, ci.Upper, p)
		}
		if ci.Lower < 0 || ci.Upper > 1 {
			t.Fatalf("wilson(%d/30): interval [%v, %v] escapes [0,1]", successes, ci.Lower, ci.Upper)
		}
	}
}

func TestWilsonScoreZeroTotal(t *testing.T) {
	ci := WilsonScore(0, 0, 0.95)
	if ci.Center != 0 || ci.Lower != 0 || ci.Upper != 0 {
		t.Fatalf("zero total: got %+v, want all zero", ci)
	}
}

func TestWilsonScoreKnownValue(t *testing.T) {
	// 8/10 at 95%: Wilson gives roughly [0.49, 0.943].
	ci := WilsonScore(8, 10, 0.95)
	if math.Abs(ci.Lower-0.49) > 0.02 || math.Abs(ci.Upper-0.943) > 0.02 {
		t.Fatalf("wilson(8/10) = [%v, %v], want ~[0.49, 0.94]", ci.Lower, ci.Upper)
	}
}

func TestNormalQuantile(t *testing.T) {
	cases := map[float64]float64{
		0.975: 1.959964,
		0.95:  1.644854,
		0.5:   0,
		0.025: -1.959964,
	}
	for q, want := range cases {
		got := normalQuantile(q)
		if math.Abs(got-want) > 5e-4 {
			t.Fatalf("normalQuantile(%v) = %v, want %v", q, got, want)
		}
	}
}

func TestHolmBonferroniNeverBelowRaw(t *testing.T) {
	raw := []float64{0.01, 0.04, 0.03, 0.005}
	corrected := HolmBonferroni(raw)
	if len(corrected) != len(raw) {
		t.Fatalf("length mismatch: %d vs %d", len(corrected), len(raw))
	}
	for i := range raw {
		if corrected[i] < raw[i]-1e-12 {
			t.Fatalf("corrected[%d] = %v below raw %v", i, corrected[i], raw[i])
		}
		if corrected[i] > 1 {
			t.Fatalf("corrected[%d] = %v exceeds 1", i, corrected[i])
		}
	}
}

func TestHolmBonferroniStepDown(t *testing.T) {
	corrected := HolmBonferroni([]float64{0.005, 0.01, 0.04})
	// Sorted already: 3*0.005=0.015, max(0.015, 2*0.01)=0.02, max(0.02, 1*0.04)=0.04.
	want := []float64{0.015, 0.02, 0.04}
	for i := range want {
		if math.Abs(corrected[i]-want[i]) > 1e-12 {
			t.Fatalf("corrected = %v, want %v", corrected, want)
		}
	}
}

func TestHolmBonferroniMonotoneInInputOrder(t *testing.T) {
	raw := []float64{0.04, 0.005, 0.01}
	corrected := HolmBonferroni(raw)
	// The smallest raw value always gets the largest multiplier.
	if math.Abs(corrected[1]-0.015) > 1e-12 {
		t.Fatalf("corrected[1] = %v, want 0.015", corrected[1])
	}
	if corrected[0] < corrected[2] {
		t.Fatalf("larger raw p ended below smaller: %v", corrected)
	}
}
