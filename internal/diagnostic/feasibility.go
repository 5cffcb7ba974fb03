package diagnostic

// Confidence grades how far a feasible diagnostic can be trusted.
type Confidence string

const (
	ConfidenceHigh         Confidence = "high"
	ConfidenceMedium       Confidence = "medium"
	ConfidenceLow          Confidence = "low"
	ConfidenceInsufficient Confidence = "insufficient"
)

// Tier weights of the completeness score.
const (
	mandatoryWeight   = 0.7
	recommendedWeight = 0.2
	optionalWeight    = 0.1
)

// Feasibility is the verdict for one diagnostic type.
type Feasibility struct {
	Type                 string     `json:"type"`
	Available            bool       `json:"available"`
	Completeness         float64    `json:"completeness"`
	Confidence           Confidence `json:"confidence"`
	MandatoryScore       float64    `json:"mandatory_score"`
	RecommendedScore     float64    `json:"recommended_score"`
	OptionalScore        float64    `json:"optional_score"`
	AvailableMandatory   []string   `json:"available_mandatory"`
	AvailableRecommended []string   `json:"available_recommended"`
	AvailableOptional    []string   `json:"available_optional"`
	MissingMandatory     []string   `json:"missing_mandatory"`
	MissingRecommended   []string   `json:"missing_recommended"`
	MissingOptional      []string   `json:"missing_optional"`
}

// ValidColumns is the set of canonical columns present and valid in a file.
type ValidColumns map[string]bool

// ValidSet builds a ValidColumns from validation results.
func ValidSet(results map[string]ValidationResult) ValidColumns {
	set := make(ValidColumns, len(results))
	for name, r := range results {
		if r.Valid {
			set[name] = true
		}
	}
	return set
}

// DetectAvailable evaluates every registered diagnostic against the valid
// columns, in registration order.
func DetectAvailable(valid ValidColumns) []Feasibility {
	reqs := AllRequirements()
	out := make([]Feasibility, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, CheckFeasibility(req, valid))
	}
	return out
}

// CheckFeasibility evaluates one requirement. A diagnostic is available only
// when every mandatory column is present and valid.
func CheckFeasibility(req Requirement, valid ValidColumns) Feasibility {
	f := Feasibility{Type: req.Type}

	f.AvailableMandatory, f.MissingMandatory = partition(req.Mandatory, valid)
	f.AvailableRecommended, f.MissingRecommended = partition(req.Recommended, valid)
	f.AvailableOptional, f.MissingOptional = partition(req.Optional, valid)

	mandatory := tierScore(len(f.AvailableMandatory), len(req.Mandatory))
	recommended := tierScore(len(f.AvailableRecommended), len(req.Recommended))
	optional := tierScore(len(f.AvailableOptional), len(req.Optional))
	completeness := mandatory*mandatoryWeight + recommended*recommendedWeight + optional*optionalWeight

	f.Available = len(f.MissingMandatory) == 0
	f.MandatoryScore = round(mandatory, 2)
	f.RecommendedScore = round(recommended, 2)
	f.OptionalScore = round(optional, 2)
	f.Completeness = round(completeness, 2)
	f.Confidence = confidenceFor(completeness, len(f.AvailableMandatory), len(f.AvailableRecommended))

	return f
}

func partition(columns []string, valid ValidColumns) (present, missing []string) {
	present = []string{}
	missing = []string{}
	for _, c := range columns {
		if valid[c] {
			present = append(present, c)
		} else {
			missing = append(missing, c)
		}
	}
	return present, missing
}

// tierScore is the present share of a tier in percent. An empty tier is complete.
func tierScore(present, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(present) / float64(total) * 100
}

func confidenceFor(completeness float64, mandatory, recommended int) Confidence {
	switch {
	case completeness >= 90 && recommended >= 3:
		return ConfidenceHigh
	case completeness >= 70 && mandatory >= 2:
		return ConfidenceMedium
	case completeness >= 50:
		return ConfidenceLow
	default:
		return ConfidenceInsufficient
	}
}
