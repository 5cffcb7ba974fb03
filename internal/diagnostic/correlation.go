package diagnostic

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Relative difference bounds of the agreement tiers.
const (
	identicalAbs    = 0.01
	identicalRel    = 0.001
	veryCloseRel    = 0.02
	closeRel        = 0.10
	identicalWeight = 50
	veryCloseWeight = 30
	closeWeight     = 20
)

// Correlation is the detailed agreement between two series.
type Correlation struct {
	Score     float64  `json:"score"` // 0..100
	Pairs     int      `json:"pairs"`
	Identical int      `json:"identical"`
	VeryClose int      `json:"very_close"`
	Close     int      `json:"close"`
	Pearson   *float64 `json:"pearson,omitempty"`
}

// Correlate scores how closely two raw series agree, 0 to 100.
// Series are truncated to the shorter length and compared position by
// position; pairs with a non-numeric side are skipped.
func Correlate(a, b []string) float64 {
	return CorrelateDetailed(a, b).Score
}

// CorrelateDetailed is Correlate with the tier counts and the Pearson
// coefficient of the numeric pairs.
func CorrelateDetailed(a, b []string) Correlation {
	n := min(len(a), len(b))

	var c Correlation
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)

	for i := 0; i < n; i++ {
		x, okX := parseNumber(strings.TrimSpace(a[i]))
		y, okY := parseNumber(strings.TrimSpace(b[i]))
		if !okX || !okY {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, y)

		diff := math.Abs(x - y)
		avg := math.Abs(x+y) / 2

		switch {
		case diff < identicalAbs || (avg != 0 && diff/avg < identicalRel):
			c.Identical++
			c.VeryClose++
			c.Close++
		case avg != 0 && diff/avg < veryCloseRel:
			c.VeryClose++
			c.Close++
		case avg != 0 && diff/avg < closeRel:
			c.Close++
		}
	}

	c.Pairs = len(xs)
	if c.Pairs == 0 {
		return c
	}

	pairs := float64(c.Pairs)
	score := float64(c.Identical)/pairs*identicalWeight +
		float64(c.VeryClose)/pairs*veryCloseWeight +
		float64(c.Close)/pairs*closeWeight
	c.Score = round(score, 2)

	if c.Pairs > 1 {
		if r := stat.Correlation(xs, ys, nil); !math.IsNaN(r) {
			r = round(r, 4)
			c.Pearson = &r
		}
	}

	return c
}
