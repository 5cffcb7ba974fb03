package diagnostic

import (
	"strings"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
)

// Class selects which validity policy applies to a canonical column.
type Class string

const (
	ClassDefault     Class = "default"
	ClassTemporal    Class = "temporal"
	ClassRPMSpeed    Class = "rpm_speed"
	ClassTemperature Class = "temperature"
	ClassO2          Class = "o2"
	ClassGPS         Class = "gps"
)

// ClassFor derives the policy class from a column's catalog category.
// Categories that mix signal kinds (engine, fuel, prius and so on) fall
// back to the column name.
func ClassFor(category catalog.Category, column string) Class {
	switch category {
	case catalog.CategoryTemporal:
		return ClassTemporal
	case catalog.CategoryTemperature:
		return ClassTemperature
	case catalog.CategoryLambda:
		return ClassO2
	case catalog.CategorySpeed:
		return ClassRPMSpeed
	case catalog.CategoryGPS:
		if strings.Contains(column, "speed") {
			return ClassRPMSpeed
		}
		return ClassGPS
	}
	return ClassOf(column)
}

// ClassOf derives the policy class from a canonical column name.
// Order matters: "gps_speed_ms" is speed-like, "catalyst_temp_b1s1" is a temperature.
func ClassOf(column string) Class {
	switch {
	case strings.HasPrefix(column, "timestamp_"):
		return ClassTemporal
	case strings.Contains(column, "rpm"), strings.Contains(column, "speed"):
		return ClassRPMSpeed
	case strings.Contains(column, "temp"):
		return ClassTemperature
	case strings.Contains(column, "o2_"), strings.Contains(column, "lambda"), strings.Contains(column, "afr"):
		return ClassO2
	case strings.HasPrefix(column, "gps_"), strings.Contains(column, "latitude"), strings.Contains(column, "longitude"):
		return ClassGPS
	default:
		return ClassDefault
	}
}

// Policy holds the validity thresholds. Rates are percentages.
type Policy struct {
	MinValidRate          float64   // default and temporal columns
	RPMSpeedMinValidRate  float64   // rpm and speed columns
	GPSMinValidRate       float64
	TemperatureMinNonZero float64   // share of valid readings that must be non-zero
	O2MinNonZero          float64
	ErrorTolerance        float64   // absolute match distance for sentinel readings
	ErrorValues           []float64 // used when a column registers none
	CorrelationThreshold  float64   // minimum score for two sources to count as the same signal
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinValidRate:          30,
		RPMSpeedMinValidRate:  10,
		GPSMinValidRate:       20,
		TemperatureMinNonZero: 50,
		O2MinNonZero:          30,
		ErrorTolerance:        0.01,
		ErrorValues:           []float64{51199, 65535, -1, 255, 32767, -32768},
		CorrelationThreshold:  80,
	}
}

func (p Policy) minValidRate(c Class) float64 {
	switch c {
	case ClassRPMSpeed:
		return p.RPMSpeedMinValidRate
	case ClassGPS:
		return p.GPSMinValidRate
	default:
		return p.MinValidRate
	}
}
