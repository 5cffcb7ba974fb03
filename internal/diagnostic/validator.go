package diagnostic

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
)

// Reason is the machine-readable outcome of a column validation.
type Reason string

const (
	ReasonValid            Reason = "valid"
	ReasonEmpty            Reason = "empty_array"
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonAllZerosTemp     Reason = "all_zeros_temp"
	ReasonFrozenValue      Reason = "frozen_value"
	ReasonMostlyZeros      Reason = "mostly_zeros"
)

// ErrorValueLookup returns the sentinel readings registered for a column.
// *catalog.Catalog satisfies it.
type ErrorValueLookup interface {
	ErrorValues(column string) []float64
}

// ColumnLookup returns a column's catalog definition. When the validator's
// ErrorValueLookup also implements it, the column category picks the policy
// class; otherwise the name does.
type ColumnLookup interface {
	Column(name string) (catalog.Column, bool)
}

// ColumnStats describes the cells of one column sample.
type ColumnStats struct {
	TotalRows       int      `json:"total_rows"`
	ValidCount      int      `json:"valid_count"`
	EmptyCount      int      `json:"empty_count"`
	NullCount       int      `json:"null_count"`
	InvalidCount    int      `json:"invalid_count"`
	ErrorValueCount int      `json:"error_value_count"`
	ZeroCount       int      `json:"zero_count"`
	NonZeroCount    int      `json:"non_zero_count"`
	ValidRate       float64  `json:"valid_rate"`
	Min             *float64 `json:"min"`
	Max             *float64 `json:"max"`
	Avg             *float64 `json:"avg"`
	Median          *float64 `json:"median"`
	StdDev          *float64 `json:"std_dev"`
	Range           float64  `json:"range"`
}

// NonZeroRate is the share of valid readings that are not zero.
func (s ColumnStats) NonZeroRate() float64 {
	if s.ValidCount == 0 {
		return 0
	}
	return float64(s.NonZeroCount) / float64(s.ValidCount) * 100
}

// ValidationResult is the verdict on one column sample.
type ValidationResult struct {
	Column string      `json:"column"`
	Valid  bool        `json:"valid"`
	Reason Reason      `json:"reason"`
	Detail string      `json:"detail"`
	Stats  ColumnStats `json:"stats"`
}

// Validator decides whether a column's values are trustworthy.
type Validator struct {
	policy Policy
	lookup ErrorValueLookup
}

// NewValidator creates a validator. lookup may be nil, in which case the
// policy's default error values apply to every column.
func NewValidator(policy Policy, lookup ErrorValueLookup) *Validator {
	return &Validator{policy: policy, lookup: lookup}
}

// Policy returns the thresholds in use.
func (v *Validator) Policy() Policy {
	return v.policy
}

func (v *Validator) errorValues(column string) []float64 {
	if v.lookup != nil {
		if ev := v.lookup.ErrorValues(column); len(ev) > 0 {
			return ev
		}
	}
	return v.policy.ErrorValues
}

func (v *Validator) classOf(column string) Class {
	if cl, ok := v.lookup.(ColumnLookup); ok {
		if col, found := cl.Column(column); found {
			return ClassFor(col.Category, column)
		}
	}
	return ClassOf(column)
}

func (v *Validator) isErrorValue(x float64, sentinels []float64) bool {
	for _, s := range sentinels {
		if math.Abs(x-s) < v.policy.ErrorTolerance {
			return true
		}
	}
	return false
}

// isEmptyMarker matches the placeholders a logger writes for a missing
// reading, ignoring case like the parser's cleaner does.
func isEmptyMarker(s string) bool {
	return s == "" || s == "-" || strings.EqualFold(s, "N/A") || strings.EqualFold(s, "NA")
}

// parseNumber accepts the numeric forms a logger writes. Inf and NaN are rejected.
func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Validate classifies every raw cell of a column sample, computes statistics
// over the valid readings and applies the column's policy.
func (v *Validator) Validate(values []string, column string) ValidationResult {
	res := ValidationResult{Column: column}
	if len(values) == 0 {
		res.Reason = ReasonEmpty
		res.Detail = string(ReasonEmpty)
		return res
	}

	class := v.classOf(column)
	sentinels := v.errorValues(column)

	st := ColumnStats{TotalRows: len(values)}
	nums := make(stats.Float64Data, 0, len(values))

	for _, raw := range values {
		cell := strings.TrimSpace(raw)

		if isEmptyMarker(cell) {
			st.EmptyCount++
			continue
		}
		if strings.EqualFold(cell, "null") {
			st.NullCount++
			continue
		}
		if class == ClassTemporal {
			// Timestamps are not numeric; a present cell counts as valid.
			st.ValidCount++
			continue
		}

		x, ok := parseNumber(cell)
		if !ok {
			st.InvalidCount++
			continue
		}
		if v.isErrorValue(x, sentinels) {
			st.ErrorValueCount++
			continue
		}
		if x == 0 {
			st.ZeroCount++
		}
		nums = append(nums, x)
	}

	if class != ClassTemporal {
		st.ValidCount = len(nums)
		st.NonZeroCount = st.ValidCount - st.ZeroCount
		fillStats(&st, nums)
	} else {
		st.NonZeroCount = st.ValidCount
	}
	st.ValidRate = round(float64(st.ValidCount)/float64(st.TotalRows)*100, 2)

	res.Stats = st
	res.Valid, res.Reason, res.Detail = v.judge(class, st)
	return res
}

func fillStats(st *ColumnStats, nums stats.Float64Data) {
	if len(nums) == 0 {
		return
	}

	lo, _ := stats.Min(nums)
	hi, _ := stats.Max(nums)
	mean, _ := stats.Mean(nums)
	median, _ := stats.Median(nums)
	sd, _ := stats.StandardDeviationPopulation(nums)

	st.Min = &lo
	st.Max = &hi
	avg := round(mean, 2)
	st.Avg = &avg
	st.Median = &median
	sd = round(sd, 2)
	st.StdDev = &sd
	st.Range = round(hi-lo, 2)
}

func (v *Validator) judge(class Class, st ColumnStats) (bool, Reason, string) {
	if threshold := v.policy.minValidRate(class); st.ValidRate < threshold {
		return false, ReasonInsufficientData,
			fmt.Sprintf("%s (%.1f%% valid)", ReasonInsufficientData, st.ValidRate)
	}

	switch class {
	case ClassTemperature:
		if rate := st.NonZeroRate(); rate < v.policy.TemperatureMinNonZero {
			return false, ReasonAllZerosTemp,
				fmt.Sprintf("%s (%.1f%% non-zero)", ReasonAllZerosTemp, rate)
		}
	case ClassO2:
		if st.Min != nil && *st.Min == *st.Max {
			return false, ReasonFrozenValue,
				fmt.Sprintf("%s (%.2f)", ReasonFrozenValue, *st.Min)
		}
		if rate := st.NonZeroRate(); rate < v.policy.O2MinNonZero {
			return false, ReasonMostlyZeros,
				fmt.Sprintf("%s (%.1f%% non-zero)", ReasonMostlyZeros, rate)
		}
	}

	return true, ReasonValid, string(ReasonValid)
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
