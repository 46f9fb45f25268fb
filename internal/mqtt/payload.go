package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/aerie/internal/sensors"
)

var (
	errBadTopic   = errors.New("topic is not sensors/<id>/<parameter>")
	errBadPayload = errors.New("payload is not a reading")
)

// parseTopic extracts the sensor ID and canonical parameter from the
// last two topic levels.
func parseTopic(topic string) (int, string, error) {
	levels := strings.Split(strings.Trim(topic, "/"), "/")
	if len(levels) < 2 {
		return 0, "", errBadTopic
	}

	id, err := strconv.Atoi(levels[len(levels)-2])
	if err != nil || id <= 0 {
		return 0, "", fmt.Errorf("%w: sensor id %q", errBadTopic, levels[len(levels)-2])
	}

	param, err := sensors.Canonical(levels[len(levels)-1])
	if err != nil {
		return 0, "", err
	}
	return id, param, nil
}

// wireReading is the JSON payload form. Timestamp may be RFC 3339 or
// Unix seconds or milliseconds.
type wireReading struct {
	Value     *float64        `json:"value"`
	Unit      string          `json:"unit"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// parsePayload decodes a reading value. Missing units fall back to the
// parameter's canonical unit and missing timestamps to now.
func parsePayload(payload []byte, param string, now time.Time) (float64, string, time.Time, error) {
	text := strings.TrimSpace(string(payload))
	unit := sensors.Unit(param)

	if v, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, "", time.Time{}, errBadPayload
		}
		return v, unit, now, nil
	}

	var w wireReading
	if err := json.Unmarshal([]byte(text), &w); err != nil || w.Value == nil {
		return 0, "", time.Time{}, errBadPayload
	}
	if w.Unit != "" {
		unit = w.Unit
	}

	at, err := parseTimestamp(w.Timestamp, now)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	return *w.Value, unit, at, nil
}

func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return now, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", errBadPayload, s)
		}
		return t, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", errBadPayload, raw)
	}
	// Anything past 1e12 is milliseconds.
	if n > 1e12 {
		return time.UnixMilli(int64(n)), nil
	}
	return time.Unix(int64(n), 0), nil
}
