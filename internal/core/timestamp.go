package core

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Default timestamp layouts for Torque Pro exports.
const (
	// 24-Oct.-2024 10:30:45.123 (fractional seconds are accepted implicitly)
	DefaultDeviceLayout = "02-Jan.-2006 15:04:05"
	// Fri Oct 24 10:30:45 GMT+02:00 2024
	DefaultGPSLayout = "Mon Jan _2 15:04:05 GMT-07:00 2006"
)

// genericLayouts are tried after a column's primary layout.
var genericLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	time.RFC1123Z,
	time.RFC1123,
	time.UnixDate,
	time.ANSIC,
}

// Epoch values at or above this are read as milliseconds.
const epochMillisThreshold = 1e11

// TimestampParser turns raw timestamp cells into times. Each column has one
// explicit primary layout, followed by the generic layouts and epoch numbers.
type TimestampParser struct {
	device []string
	gps    []string
	loc    *time.Location
}

// NewTimestampParser builds a parser. Empty layouts fall back to the
// defaults and a nil location means UTC.
func NewTimestampParser(deviceLayout, gpsLayout string, loc *time.Location) *TimestampParser {
	if deviceLayout == "" {
		deviceLayout = DefaultDeviceLayout
	}
	if gpsLayout == "" {
		gpsLayout = DefaultGPSLayout
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TimestampParser{
		device: append([]string{deviceLayout}, genericLayouts...),
		gps:    append([]string{gpsLayout}, genericLayouts...),
		loc:    loc,
	}
}

// RowTime extracts the row timestamp: the device column first, then the GPS
// column. The second result is false when neither yields a time.
func (p *TimestampParser) RowTime(device, gps string) (time.Time, bool) {
	if t, ok := p.parse(device, p.device); ok {
		return t, true
	}
	return p.parse(gps, p.gps)
}

// Device parses a device-time cell.
func (p *TimestampParser) Device(raw string) (time.Time, bool) { return p.parse(raw, p.device) }

// GPS parses a GPS-time cell.
func (p *TimestampParser) GPS(raw string) (time.Time, bool) { return p.parse(raw, p.gps) }

func (p *TimestampParser) parse(raw string, layouts []string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "-" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, raw, p.loc); err == nil {
			return t, true
		}
	}
	return parseEpoch(raw)
}

func parseEpoch(raw string) (time.Time, bool) {
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n <= 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return time.Time{}, false
	}
	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}
