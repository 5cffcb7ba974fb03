package diagnostic

import (
	"fmt"
	"sync"
)

// Requirement declares the canonical columns a diagnostic needs.
type Requirement struct {
	Type        string   `json:"type"`
	Label       string   `json:"label"`
	Mandatory   []string `json:"mandatory"`
	Recommended []string `json:"recommended"`
	Optional    []string `json:"optional"`
}

var (
	requirements   = make(map[string]Requirement)
	requirementSeq []string
	requirementsMu sync.RWMutex
)

func init() {
	Register(Requirement{
		Type:        "catalyst",
		Label:       "Catalytic converter",
		Mandatory:   []string{"o2_b1s1_voltage", "o2_b1s2_voltage", "engine_rpm"},
		Recommended: []string{"catalyst_temp_b1s1", "catalyst_temp_b1s2", "vehicle_speed", "engine_load", "coolant_temp"},
		Optional:    []string{"stft_b1", "ltft_b1", "maf_rate"},
	})
	Register(Requirement{
		Type:        "o2_sensors",
		Label:       "Oxygen sensors",
		Mandatory:   []string{"o2_b1s1_voltage", "o2_b1s2_voltage", "engine_rpm"},
		Recommended: []string{"o2_b1s1_lambda", "stft_b1", "ltft_b1", "afr_measured", "afr_commanded", "prius_af_lambda", "prius_afs_voltage"},
		Optional:    []string{"o2_b1s1_current", "lambda_commanded"},
	})
	Register(Requirement{
		Type:        "engine",
		Label:       "Engine",
		Mandatory:   []string{"engine_rpm", "engine_load"},
		Recommended: []string{"prius_misfire_count", "maf_rate", "coolant_temp", "stft_b1", "ltft_b1", "throttle_position"},
		Optional:    []string{"intake_air_temp", "barometric_pressure"},
	})
	Register(Requirement{
		Type:        "driving",
		Label:       "Driving behaviour",
		Mandatory:   []string{"vehicle_speed", "timestamp_device"},
		Recommended: []string{"engine_load", "accel_x", "accel_y", "accel_z", "engine_rpm"},
		Optional:    []string{"gps_speed_ms", "throttle_position"},
	})
	Register(Requirement{
		Type:        "hybrid",
		Label:       "Hybrid system",
		Mandatory:   []string{"engine_rpm", "vehicle_speed"},
		Recommended: []string{"prius_af_lambda", "prius_afs_voltage", "maf_rate"},
		Optional:    []string{"prius_rpm_7e0", "prius_rpm_7e2"},
	})
}

// Register adds a diagnostic requirement.
// Panics if the type is already registered.
func Register(req Requirement) {
	requirementsMu.Lock()
	defer requirementsMu.Unlock()

	if _, exists := requirements[req.Type]; exists {
		panic(fmt.Sprintf("diagnostic already registered: %s", req.Type))
	}

	requirements[req.Type] = req
	requirementSeq = append(requirementSeq, req.Type)
}

// Requirements returns the requirement of one diagnostic type.
func Requirements(diagnosticType string) (Requirement, bool) {
	requirementsMu.RLock()
	defer requirementsMu.RUnlock()

	req, ok := requirements[diagnosticType]
	return req, ok
}

// AllRequirements returns every registered requirement in registration order.
func AllRequirements() []Requirement {
	requirementsMu.RLock()
	defer requirementsMu.RUnlock()

	out := make([]Requirement, 0, len(requirementSeq))
	for _, t := range requirementSeq {
		out = append(out, requirements[t])
	}
	return out
}

// Types returns the registered diagnostic types in registration order.
func Types() []string {
	requirementsMu.RLock()
	defer requirementsMu.RUnlock()
	return append([]string(nil), requirementSeq...)
}

// Unregister removes a diagnostic type. It reports whether the type existed.
// Primarily useful for testing.
func Unregister(diagnosticType string) bool {
	requirementsMu.Lock()
	defer requirementsMu.Unlock()

	if _, ok := requirements[diagnosticType]; !ok {
		return false
	}
	delete(requirements, diagnosticType)
	for i, t := range requirementSeq {
		if t == diagnosticType {
			requirementSeq = append(requirementSeq[:i:i], requirementSeq[i+1:]...)
			break
		}
	}
	return true
}
