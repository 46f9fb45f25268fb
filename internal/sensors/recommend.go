package sensors

import "fmt"

// Priorities for recommendations.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityInfo   = "info"
)

// Recommendation is one piece of advice about a parameter.
type Recommendation struct {
	Parameter string `json:"parameter"`
	Priority  string `json:"priority"`
	Message   string `json:"message"`
}

// Recommend turns recent average values into advice. Parameters absent
// from averages are skipped; when nothing needs attention a single
// informational recommendation says so.
func Recommend(averages map[string]float64) []Recommendation {
	var recs []Recommendation
	add := func(param, priority, format string, args ...any) {
		recs = append(recs, Recommendation{Parameter: param, Priority: priority, Message: fmt.Sprintf(format, args...)})
	}

	if v, ok := averages[CO2]; ok {
		switch {
		case v > 1000:
			add(CO2, PriorityHigh, "CO2 averages %.0f ppm. Ventilate now: open windows or increase fresh-air supply.", v)
		case v > 800:
			add(CO2, PriorityMedium, "CO2 averages %.0f ppm. Consider more ventilation before it passes 1000 ppm.", v)
		}
	}
	if v, ok := averages[Temperature]; ok {
		switch {
		case v > 25:
			add(Temperature, PriorityMedium, "Temperature averages %.1f°C. Cooling or shading would help.", v)
		case v < 20:
			add(Temperature, PriorityMedium, "Temperature averages %.1f°C. Consider raising the heating set point.", v)
		}
	}
	if v, ok := averages[Humidity]; ok {
		switch {
		case v > 60:
			add(Humidity, PriorityHigh, "Humidity averages %.0f%%. Use a dehumidifier to avoid mould growth.", v)
		case v > 50:
			add(Humidity, PriorityMedium, "Humidity averages %.0f%%, above the 30-50%% comfort range. Ventilation or dehumidifying helps.", v)
		case v < 30:
			add(Humidity, PriorityMedium, "Humidity averages %.0f%%. A humidifier would improve comfort.", v)
		}
	}
	if v, ok := averages[TVOC]; ok && v > 220 {
		add(TVOC, PriorityHigh, "TVOC averages %.0f ppb. Find the source (cleaning products, new furniture) and ventilate or run an air purifier.", v)
	}

	if len(recs) == 0 {
		add("", PriorityInfo, "All measured parameters are within comfortable ranges. No action needed.")
	}
	return recs
}
