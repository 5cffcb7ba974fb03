package diagnostic

import (
	"fmt"
	"math"
)

// Tracked signals.
const (
	PIDO2Upstream    = "o2_b1s1_voltage"
	PIDO2Downstream  = "o2_b1s2_voltage"
	PIDSTFT          = "stft_b1"
	PIDLTFT          = "ltft_b1"
	PIDCatTempUp     = "catalyst_temp_b1s1"
	PIDCatTempDown   = "catalyst_temp_b1s2"
	PIDEngineRPM     = "engine_rpm"
	PIDEngineLoad    = "engine_load"
	PIDCoolantTemp   = "coolant_temp"
	minReportSamples = 10

	// o2Resolution is the step of a standard OBD2 O2 voltage PID (1/200 V).
	o2Resolution = 0.005
)

// Analyzer computes vehicle health diagnostics over a stream of rows in
// memory independent of the stream length. It is not safe for concurrent
// use; each ingest owns its own instance.
type Analyzer struct {
	acc     map[string]*Accumulator
	samples int
}

// NewAnalyzer returns an analyzer with a started session.
func NewAnalyzer() *Analyzer {
	a := &Analyzer{}
	a.StartSession()
	return a
}

// StartSession resets every accumulator.
func (a *Analyzer) StartSession() {
	a.samples = 0
	a.acc = map[string]*Accumulator{
		PIDO2Upstream:   newAccumulator(0),
		PIDO2Downstream: newAccumulator(0),
		PIDSTFT:         newAccumulator(RecentWindow),
		PIDLTFT:         newAccumulator(RecentWindow),
		PIDCatTempUp:    newAccumulator(0),
		PIDCatTempDown:  newAccumulator(0),
		PIDEngineRPM:    newAccumulator(0),
		PIDEngineLoad:   newAccumulator(0),
		PIDCoolantTemp:  newAccumulator(0),
	}
}

// Tracks reports whether a canonical column feeds the analyzer.
func (a *Analyzer) Tracks(pid string) bool {
	_, ok := a.acc[pid]
	return ok
}

// ProcessRow folds one row of canonical values into the accumulators.
// Untracked columns and nil values are ignored.
func (a *Analyzer) ProcessRow(values map[string]*float64) {
	a.samples++
	for pid, v := range values {
		if v == nil {
			continue
		}
		a.Observe(pid, *v)
	}
}

// Observe folds a single reading without counting a row. Callers that feed
// cells one at a time pair it with Tick.
func (a *Analyzer) Observe(pid string, v float64) {
	if acc, ok := a.acc[pid]; ok {
		acc.Add(v)
	}
}

// Tick counts one processed row.
func (a *Analyzer) Tick() {
	a.samples++
}

// SampleCount returns the number of rows processed.
func (a *Analyzer) SampleCount() int {
	return a.samples
}

// Accumulator exposes the running state of one tracked signal.
func (a *Analyzer) Accumulator(pid string) (Accumulator, bool) {
	acc, ok := a.acc[pid]
	if !ok {
		return Accumulator{}, false
	}
	return *acc, true
}

// FinalizeSession builds the report from accumulator state.
func (a *Analyzer) FinalizeSession() Report {
	return Report{
		SampleCount: a.samples,
		Catalyst:    a.catalyst(),
		FuelTrim:    a.fuelTrim(),
		O2Sensors:   a.o2Sensors(),
		Engine:      a.engine(),
	}
}

func (a *Analyzer) catalyst() CatalystReport {
	up, down := a.acc[PIDO2Upstream], a.acc[PIDO2Downstream]
	if up.Count < minReportSamples || down.Count < minReportSamples {
		return CatalystReport{
			Status:  StatusInsufficientData,
			Message: "Not enough O2 sensor data for catalyst analysis",
		}
	}

	// A downstream swing below the sensor resolution counts as one step, so
	// a flat post-cat signal behind an active upstream grades as excellent.
	ratio := up.Swing() / math.Max(down.Swing(), o2Resolution)

	r := CatalystReport{
		EfficiencyRatio:   ptr(round(ratio, 2)),
		UpstreamVoltage:   ptr(round(up.Mean(), 3)),
		DownstreamVoltage: ptr(round(down.Mean(), 3)),
		Messages:          []string{},
	}

	switch {
	case ratio < 1.0:
		r.Status, r.Score = StatusPoor, ptr(40)
		r.Messages = append(r.Messages, fmt.Sprintf("Catalyst efficiency degraded (ratio: %.2f)", ratio))
	case ratio < 1.5:
		r.Status, r.Score = StatusMarginal, ptr(65)
		r.Messages = append(r.Messages, fmt.Sprintf("Catalyst efficiency marginal (ratio: %.2f)", ratio))
	case ratio < 2.5:
		r.Status, r.Score = StatusGood, ptr(85)
	default:
		r.Status, r.Score = StatusExcellent, ptr(100)
	}
	return r
}

func (a *Analyzer) fuelTrim() FuelTrimReport {
	stft, ltft := a.acc[PIDSTFT], a.acc[PIDLTFT]
	if stft.Count < minReportSamples {
		return FuelTrimReport{
			Status:  StatusInsufficientData,
			Message: "Not enough fuel trim data",
		}
	}

	avgST := stft.Mean()
	avgLT := ltft.Mean()
	total := math.Abs(avgST) + math.Abs(avgLT)
	sd := stft.Recent.StdDev()

	r := FuelTrimReport{
		ShortTermAvg: ptr(round(avgST, 2)),
		LongTermAvg:  ptr(round(avgLT, 2)),
		TotalTrim:    ptr(round(total, 2)),
		STFTStdDev:   ptr(round(sd, 2)),
		Messages:     []string{},
	}

	score := 100
	switch {
	case total > 15:
		r.Status, score = StatusPoor, 50
		r.Messages = append(r.Messages, fmt.Sprintf("Fuel trim excessive: %.1f%% (check for vacuum leaks or MAF issues)", total))
	case total > 10:
		r.Status, score = StatusMarginal, 70
		r.Messages = append(r.Messages, fmt.Sprintf("Fuel trim elevated: %.1f%%", total))
	case total > 5:
		r.Status, score = StatusGood, 85
	default:
		r.Status = StatusExcellent
	}

	if sd > 3 {
		score = min(score, 75)
		r.Messages = append(r.Messages, fmt.Sprintf("Fuel trim unstable (stddev: %.1f%%)", sd))
	}
	r.Score = &score
	return r
}

func (a *Analyzer) o2Sensors() O2Report {
	up := a.acc[PIDO2Upstream]
	if up.Count < minReportSamples {
		return O2Report{
			Status:  StatusInsufficientData,
			Message: "Not enough O2 sensor data",
		}
	}

	avg := up.Mean()
	rng := up.Swing()

	r := O2Report{
		AverageVoltage: ptr(round(avg, 3)),
		VoltageRange:   ptr(round(rng, 3)),
		Messages:       []string{},
	}

	switch {
	case rng < 0.5:
		r.Status, r.Score = StatusPoor, ptr(60)
		r.Messages = append(r.Messages, fmt.Sprintf("O2 sensor lazy (range: %.2fV, expected >0.6V)", rng))
	case rng < 0.6:
		r.Status, r.Score = StatusMarginal, ptr(80)
		r.Messages = append(r.Messages, fmt.Sprintf("O2 sensor response marginal (range: %.2fV)", rng))
	default:
		r.Status, r.Score = StatusExcellent, ptr(100)
	}

	switch {
	case avg < 0.3:
		r.Messages = append(r.Messages, fmt.Sprintf("O2 sensor reading lean (avg: %.3fV)", avg))
	case avg > 0.7:
		r.Messages = append(r.Messages, fmt.Sprintf("O2 sensor reading rich (avg: %.3fV)", avg))
	}
	return r
}

func (a *Analyzer) engine() EngineReport {
	rpm, load, temp := a.acc[PIDEngineRPM], a.acc[PIDEngineLoad], a.acc[PIDCoolantTemp]
	if rpm.Count == 0 && load.Count == 0 && temp.Count == 0 {
		return EngineReport{
			Status:  StatusInsufficientData,
			Message: "No engine data",
		}
	}

	r := EngineReport{Messages: []string{}}
	score := 100

	if temp.Count > 0 {
		r.MaxTemp = ptr(temp.Max)
		switch {
		case temp.Max > 105:
			score = min(score, 50)
			r.Messages = append(r.Messages, fmt.Sprintf("Engine overheating detected (max: %g°C)", temp.Max))
		case temp.Max > 95:
			score = min(score, 80)
			r.Messages = append(r.Messages, fmt.Sprintf("Engine running hot (max: %g°C)", temp.Max))
		}
	}

	if rpm.Count > 0 {
		r.MaxRPM = ptr(rpm.Max)
		if rpm.Max > 6000 {
			r.Messages = append(r.Messages, fmt.Sprintf("High RPM detected (max: %g RPM)", rpm.Max))
		}
	}

	if load.Count > 0 {
		r.AvgLoad = ptr(round(load.Mean(), 1))
	}

	r.Score = &score
	switch {
	case score <= 50:
		r.Status = StatusPoor
	case score <= 80:
		r.Status = StatusMarginal
	default:
		r.Status = StatusExcellent
	}
	return r
}

func ptr[T any](v T) *T {
	return &v
}
