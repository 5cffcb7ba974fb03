package core

import (
	"math"
	"strconv"
	"strings"
)

// SentinelScope selects which columns the upper sentinel applies to.
type SentinelScope string

const (
	SentinelGlobal SentinelScope = "global"
	SentinelRPM    SentinelScope = "rpm"
)

// DefaultSentinel is the raw value some ECUs report for "no data".
const DefaultSentinel = 51199

const errorValueTolerance = 0.01

// ErrorValueSource returns a column's registered error values.
type ErrorValueSource interface {
	ErrorValues(column string) []float64
}

// ValueCleaner converts raw numeric cells to optional floats.
type ValueCleaner struct {
	sentinel float64
	scope    SentinelScope
	errors   ErrorValueSource
}

// NewValueCleaner builds a cleaner. A zero sentinel uses DefaultSentinel
// and an unknown scope is treated as global. errs may be nil.
func NewValueCleaner(sentinel float64, scope SentinelScope, errs ErrorValueSource) *ValueCleaner {
	if sentinel == 0 {
		sentinel = DefaultSentinel
	}
	if scope != SentinelRPM {
		scope = SentinelGlobal
	}
	return &ValueCleaner{sentinel: sentinel, scope: scope, errors: errs}
}

// Clean returns the numeric value of a cell, or nil when the cell is empty,
// a placeholder, non-numeric, or a known error value for the column.
func (c *ValueCleaner) Clean(column, raw string) *float64 {
	s := strings.TrimSpace(raw)
	if s == "" || s == "-" || strings.EqualFold(s, "N/A") {
		return nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}

	if v >= c.sentinel && c.sentinelApplies(column) {
		return nil
	}
	if c.errors != nil {
		for _, e := range c.errors.ErrorValues(column) {
			if math.Abs(v-e) < errorValueTolerance {
				return nil
			}
		}
	}
	return &v
}

func (c *ValueCleaner) sentinelApplies(column string) bool {
	return c.scope == SentinelGlobal || strings.Contains(column, "rpm")
}
