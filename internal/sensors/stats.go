package sensors

import (
	"math"
	"slices"
	"time"
)

// Trend directions.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// Summary describes a Series without its points.
type Summary struct {
	Sensor    int       `json:"sensor"`
	Parameter string    `json:"parameter"`
	Unit      string    `json:"unit"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Count     int       `json:"count"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Mean      float64   `json:"mean"`
	Median    float64   `json:"median"`
	StdDev    float64   `json:"std_dev"`
	Latest    float64   `json:"latest"`
	// Slope is the least-squares change per hour.
	Slope     float64 `json:"slope_per_hour"`
	Direction string  `json:"direction"`
}

// Summarize computes descriptive statistics and a linear trend. An
// empty series yields a zero Summary with Count 0.
func Summarize(s Series) Summary {
	sum := Summary{
		Sensor:    s.Sensor,
		Parameter: s.Parameter,
		Unit:      s.Unit,
		Start:     s.Start,
		End:       s.End,
		Count:     len(s.Points),
		Direction: TrendStable,
	}
	if len(s.Points) == 0 {
		return sum
	}

	values := make([]float64, len(s.Points))
	total := 0.0
	sum.Min, sum.Max = math.Inf(1), math.Inf(-1)
	for i, p := range s.Points {
		values[i] = p.Value
		total += p.Value
		sum.Min = math.Min(sum.Min, p.Value)
		sum.Max = math.Max(sum.Max, p.Value)
	}
	n := float64(len(values))
	sum.Mean = total / n
	sum.Latest = s.Points[len(s.Points)-1].Value

	variance := 0.0
	for _, v := range values {
		variance += (v - sum.Mean) * (v - sum.Mean)
	}
	sum.StdDev = math.Sqrt(variance / n)

	slices.Sort(values)
	if len(values)%2 == 1 {
		sum.Median = values[len(values)/2]
	} else {
		sum.Median = (values[len(values)/2-1] + values[len(values)/2]) / 2
	}

	sum.Slope = slopePerHour(s.Points)
	sum.Direction = direction(sum.Slope, sum.Mean)
	return sum
}

// slopePerHour fits value against time by least squares.
func slopePerHour(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	t0 := points[0].Time
	var sx, sy, sxx, sxy float64
	for _, p := range points {
		x := p.Time.Sub(t0).Hours()
		sx += x
		sy += p.Value
		sxx += x * x
		sxy += x * p.Value
	}
	n := float64(len(points))
	denom := n*sxx - sx*sx
	if denom == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / denom
}

// direction treats a slope under 1% of the mean per hour as stable.
func direction(slope, mean float64) string {
	tolerance := math.Abs(mean) * 0.01
	if tolerance == 0 {
		tolerance = 1e-9
	}
	switch {
	case slope > tolerance:
		return TrendRising
	case slope < -tolerance:
		return TrendFalling
	default:
		return TrendStable
	}
}

// Comparison contrasts a recent window with the same-length window
// some time earlier.
type Comparison struct {
	Parameter     string  `json:"parameter"`
	Unit          string  `json:"unit"`
	Current       Summary `json:"current"`
	Baseline      Summary `json:"baseline"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
}

// Compare builds a Comparison from two series of the same parameter.
func Compare(current, baseline Series) Comparison {
	c := Comparison{
		Parameter: current.Parameter,
		Unit:      current.Unit,
		Current:   Summarize(current),
		Baseline:  Summarize(baseline),
	}
	if c.Current.Count > 0 && c.Baseline.Count > 0 {
		c.Change = c.Current.Mean - c.Baseline.Mean
		if c.Baseline.Mean != 0 {
			c.ChangePercent = c.Change / c.Baseline.Mean * 100
		}
	}
	return c
}
