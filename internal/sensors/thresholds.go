package sensors

// Threshold is the comfortable range for a parameter. Warning, when
// non-zero, is an early-warning level inside the range.
type Threshold struct {
	Parameter string  `json:"parameter"`
	Unit      string  `json:"unit"`
	Low       float64 `json:"low"`
	High      float64 `json:"high"`
	Warning   float64 `json:"warning,omitempty"`
}

var thresholds = map[string]Threshold{
	CO2:         {Parameter: CO2, Unit: "ppm", Low: 400, High: 1000, Warning: 800},
	Temperature: {Parameter: Temperature, Unit: "°C", Low: 20, High: 25},
	Humidity:    {Parameter: Humidity, Unit: "%", Low: 30, High: 50},
	TVOC:        {Parameter: TVOC, Unit: "ppb", Low: 0, High: 220},
}

// ThresholdFor returns the threshold for a canonical parameter.
func ThresholdFor(parameter string) (Threshold, bool) {
	th, ok := thresholds[parameter]
	return th, ok
}

// Status classifies a value against its threshold.
type Status string

const (
	StatusLow     Status = "low"
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusHigh    Status = "high"
)

// Classify places v relative to the threshold. Values at the bounds
// count as normal.
func (th Threshold) Classify(v float64) Status {
	switch {
	case v < th.Low:
		return StatusLow
	case v > th.High:
		return StatusHigh
	case th.Warning > 0 && v >= th.Warning:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// Assessment is a reading checked against its threshold.
type Assessment struct {
	Reading   Reading   `json:"reading"`
	Threshold Threshold `json:"threshold"`
	Status    Status    `json:"status"`
}

// Assess classifies each reading with a known threshold. Readings of
// unknown parameters are skipped.
func Assess(readings []Reading) []Assessment {
	out := make([]Assessment, 0, len(readings))
	for _, r := range readings {
		th, ok := ThresholdFor(r.Parameter)
		if !ok {
			continue
		}
		out = append(out, Assessment{Reading: r, Threshold: th, Status: th.Classify(r.Value)})
	}
	return out
}
