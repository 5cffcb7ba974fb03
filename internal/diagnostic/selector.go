package diagnostic

import (
	"math"
	"sort"
)

// Candidate is one header cell competing for a canonical column.
type Candidate struct {
	Column    string   // canonical name
	CSVColumn string   // header text
	Priority  int
	Values    []string // raw sample cells
}

// Scored is a candidate after correlation, validation and scoring.
type Scored struct {
	CSVColumn   string   `json:"csv_column"`
	Priority    int      `json:"priority"`
	Correlation *float64 `json:"correlation,omitempty"`
	Valid       bool     `json:"valid"`
	Reason      Reason   `json:"reason"`
	ValidRate   float64  `json:"valid_rate"`
	Score       float64  `json:"score"`
}

// Selection is the outcome of resolving one duplicate group.
type Selection struct {
	Column     string   `json:"column"`
	Best       Scored   `json:"best"`
	Candidates []Scored `json:"candidates"`
	// Independent is set when the sources did not agree well enough to be
	// treated as the same signal and were scored without a correlation term.
	Independent bool `json:"independent"`
}

// SelectBest picks the most trustworthy source among duplicates of one
// canonical column.
//
// With verify set, every member is correlated against the first. Members
// under the policy's correlation threshold are dropped, but only when at
// least two members clear it. Remaining members are validated and the valid
// ones scored: 40 points for priority, 40 for valid rate, 20 for correlation.
// The second return is false when no candidate is valid.
func (v *Validator) SelectBest(group []Candidate, verify bool) (Selection, bool) {
	var sel Selection
	if len(group) == 0 {
		return sel, false
	}
	sel.Column = group[0].Column

	correlations := make([]*float64, len(group))
	pool := make([]int, 0, len(group))
	for i := range group {
		pool = append(pool, i)
	}

	if verify && len(group) > 1 {
		var correlated []int
		for i, c := range group {
			score := 100.0
			if i > 0 {
				score = Correlate(group[0].Values, c.Values)
			}
			if score >= v.policy.CorrelationThreshold {
				s := score
				correlations[i] = &s
				correlated = append(correlated, i)
			}
		}

		if len(correlated) >= 2 {
			pool = correlated
		} else {
			// Not the same signal: keep every member, drop the correlation term.
			sel.Independent = true
			for i := range correlations {
				correlations[i] = nil
			}
		}
	}

	found := false
	for _, i := range pool {
		c := group[i]
		res := v.Validate(c.Values, c.Column)

		s := Scored{
			CSVColumn:   c.CSVColumn,
			Priority:    c.Priority,
			Correlation: correlations[i],
			Valid:       res.Valid,
			Reason:      res.Reason,
			ValidRate:   res.Stats.ValidRate,
		}
		if res.Valid {
			s.Score = candidateScore(c.Priority, res.Stats.ValidRate, correlations[i])
		}
		sel.Candidates = append(sel.Candidates, s)

		if res.Valid && (!found || s.Score > sel.Best.Score) {
			sel.Best = s
			found = true
		}
	}

	sort.SliceStable(sel.Candidates, func(a, b int) bool {
		return sel.Candidates[a].Score > sel.Candidates[b].Score
	})

	return sel, found
}

func candidateScore(priority int, validRate float64, correlation *float64) float64 {
	p := math.Max(0, float64(min(priority, 10)))
	score := (10-p)*4 + validRate*0.4
	if correlation != nil {
		score += *correlation * 0.2
	} else {
		score += 20
	}
	return round(score, 2)
}
