// Package sensors reads indoor environmental measurements and derives
// statistics, threshold assessments and recommendations from them.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Canonical parameter names, as stored in the dataset.
const (
	CO2         = "CO2"
	Temperature = "Temperature"
	Humidity    = "Humidity"
	TVOC        = "TVOC"
)

// Parameters lists the known parameters in display order.
var Parameters = []string{CO2, Temperature, Humidity, TVOC}

var (
	ErrNoData           = errors.New("no data")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrUnknownSensor    = errors.New("unknown sensor")
	ErrInvalidRange     = errors.New("invalid time range")
)

// Canonical resolves a parameter name case-insensitively, accepting a
// few common aliases.
func Canonical(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "co2", "carbon dioxide":
		return CO2, nil
	case "temperature", "temp":
		return Temperature, nil
	case "humidity", "rh":
		return Humidity, nil
	case "tvoc", "voc":
		return TVOC, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownParameter, name)
}

// Unit returns the measurement unit for a canonical parameter.
func Unit(parameter string) string {
	switch parameter {
	case CO2:
		return "ppm"
	case Temperature:
		return "°C"
	case Humidity:
		return "%"
	case TVOC:
		return "ppb"
	}
	return ""
}

// Reading is one measurement from one sensor.
type Reading struct {
	Sensor    int       `json:"sensor"`
	Parameter string    `json:"parameter"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Time      time.Time `json:"time"`
}

// Point is a timestamped value within a Series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series is every reading of one parameter over a window. Sensor 0
// means all sensors were included.
type Series struct {
	Sensor    int       `json:"sensor"`
	Parameter string    `json:"parameter"`
	Unit      string    `json:"unit"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Points    []Point   `json:"points"`
}

// Query selects a Series. The window ends at the newest stored reading
// for the parameter (minus Offset) rather than at the wall clock, so
// historical exports answer the same way they would have when live.
type Query struct {
	Sensor    int // 0 = all sensors
	Parameter string
	Window    time.Duration
	Offset    time.Duration
}

// Validate checks the query and canonicalizes its parameter.
func (q *Query) Validate() error {
	p, err := Canonical(q.Parameter)
	if err != nil {
		return err
	}
	q.Parameter = p
	if q.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidRange)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrInvalidRange)
	}
	if q.Sensor < 0 {
		return fmt.Errorf("%w %d", ErrUnknownSensor, q.Sensor)
	}
	return nil
}

// Source provides read-only access to sensor data. Implementations
// must be safe for concurrent use.
type Source interface {
	// Latest returns the newest reading of parameter from sensor.
	Latest(ctx context.Context, sensor int, parameter string) (Reading, error)
	// LatestAll returns the newest reading of every sensor/parameter pair.
	LatestAll(ctx context.Context) ([]Reading, error)
	// Series returns the readings selected by q, oldest first.
	Series(ctx context.Context, q Query) (Series, error)
}
