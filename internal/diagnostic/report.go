package diagnostic

// Status is the band a sub-report falls in.
type Status string

const (
	StatusExcellent        Status = "excellent"
	StatusGood             Status = "good"
	StatusMarginal         Status = "marginal"
	StatusPoor             Status = "poor"
	StatusInsufficientData Status = "insufficient_data"
)

// A nil Score means the sub-report was not computed. It is never zero by default.

type CatalystReport struct {
	Status            Status   `json:"status"`
	Score             *int     `json:"score"`
	EfficiencyRatio   *float64 `json:"efficiency_ratio,omitempty"`
	UpstreamVoltage   *float64 `json:"upstream_voltage,omitempty"`
	DownstreamVoltage *float64 `json:"downstream_voltage,omitempty"`
	Message           string   `json:"message,omitempty"`
	Messages          []string `json:"messages,omitempty"`
}

type FuelTrimReport struct {
	Status       Status   `json:"status"`
	Score        *int     `json:"score"`
	ShortTermAvg *float64 `json:"short_term_avg,omitempty"`
	LongTermAvg  *float64 `json:"long_term_avg,omitempty"`
	TotalTrim    *float64 `json:"total_trim,omitempty"`
	STFTStdDev   *float64 `json:"stft_stddev,omitempty"`
	Message      string   `json:"message,omitempty"`
	Messages     []string `json:"messages,omitempty"`
}

type O2Report struct {
	Status         Status   `json:"status"`
	Score          *int     `json:"score"`
	AverageVoltage *float64 `json:"average_voltage,omitempty"`
	VoltageRange   *float64 `json:"voltage_range,omitempty"`
	Message        string   `json:"message,omitempty"`
	Messages       []string `json:"messages,omitempty"`
}

type EngineReport struct {
	Status   Status   `json:"status"`
	Score    *int     `json:"score"`
	MaxRPM   *float64 `json:"max_rpm"`
	AvgLoad  *float64 `json:"avg_load"`
	MaxTemp  *float64 `json:"max_temp"`
	Message  string   `json:"message,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

// Report is the outcome of one analyzer session.
type Report struct {
	SampleCount int            `json:"sample_count"`
	Catalyst    CatalystReport `json:"catalyst_efficiency"`
	FuelTrim    FuelTrimReport `json:"fuel_trim"`
	O2Sensors   O2Report       `json:"o2_sensors"`
	Engine      EngineReport   `json:"engine_health"`
}

// Computed reports whether a score was produced.
func (r CatalystReport) Computed() bool { return r.Score != nil }

// Computed reports whether a score was produced.
func (r FuelTrimReport) Computed() bool { return r.Score != nil }
