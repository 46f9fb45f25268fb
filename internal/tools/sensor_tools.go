package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/aerie/internal/sensors"
)

// maxHours caps analysis windows at ninety days.
const maxHours = 24 * 90

var parameterParam = Param{
	Name:        "parameter",
	Type:        TypeString,
	Description: "Measured quantity",
	Required:    true,
	Enum:        sensors.Parameters,
}

var hoursParam = Param{
	Name:        "hours",
	Type:        TypeInteger,
	Description: "Window length in hours, ending at the most recent reading",
	Default:     24,
}

var sensorParam = Param{
	Name:        "sensor",
	Type:        TypeInteger,
	Description: "Sensor number; 0 combines all sensors",
	Default:     0,
}

type sensorTools struct {
	src sensors.Source
}

// RegisterSensorTools adds the sensor query and analysis tools.
func RegisterSensorTools(r *Registry, src sensors.Source) error {
	st := &sensorTools{src: src}

	optionalParameter := parameterParam
	optionalParameter.Required = false
	optionalParameter.Description = "Measured quantity; omit to check everything"

	defs := []struct {
		desc    Descriptor
		handler Handler
	}{
		{Descriptor{
			Name:        "getLatestReading",
			Description: "Get the most recent value of one parameter from one sensor.",
			Params: []Param{
				{Name: "sensor", Type: TypeInteger, Description: "Sensor number", Required: true},
				parameterParam,
			},
		}, st.latestReading},
		{Descriptor{
			Name:        "getEnvironmentalStatus",
			Description: "Get the latest reading of every parameter from every sensor.",
		}, st.environmentalStatus},
		{Descriptor{
			Name:        "getSensorSeries",
			Description: "Get readings of a parameter over a time window, summarized.",
			Params:      []Param{parameterParam, hoursParam, sensorParam},
		}, st.series},
		{Descriptor{
			Name:        "analyzeTrends",
			Description: "Compute statistics and the trend direction of a parameter over a time window.",
			Params:      []Param{parameterParam, hoursParam, sensorParam},
		}, st.analyzeTrends},
		{Descriptor{
			Name:        "checkThresholds",
			Description: "Compare the latest readings with the comfortable range for each parameter.",
			Params:      []Param{optionalParameter},
		}, st.checkThresholds},
		{Descriptor{
			Name:        "compareHistorical",
			Description: "Compare a recent window with the same window some days earlier.",
			Params: []Param{
				parameterParam,
				hoursParam,
				{Name: "baselineDays", Type: TypeInteger, Description: "How many days back the baseline window is", Default: 7},
				sensorParam,
			},
		}, st.compareHistorical},
		{Descriptor{
			Name:        "getRecommendations",
			Description: "Suggest actions to improve air quality based on recent averages.",
			Params: []Param{
				{Name: "hours", Type: TypeInteger, Description: "Averaging window in hours", Default: 1},
			},
		}, st.recommendations},
	}

	for _, d := range defs {
		if err := r.Register(d.desc, d.handler); err != nil {
			return err
		}
	}
	return nil
}

func (st *sensorTools) latestReading(ctx context.Context, args Args) (any, error) {
	return st.src.Latest(ctx, args.Int("sensor"), args.String("parameter"))
}

func (st *sensorTools) environmentalStatus(ctx context.Context, _ Args) (any, error) {
	return st.src.LatestAll(ctx)
}

func (st *sensorTools) query(args Args) (sensors.Query, error) {
	hours := args.Int("hours")
	if hours < 1 || hours > maxHours {
		return sensors.Query{}, fmt.Errorf("%w: hours must be between 1 and %d", sensors.ErrInvalidRange, maxHours)
	}
	return sensors.Query{
		Sensor:    args.Int("sensor"),
		Parameter: args.String("parameter"),
		Window:    time.Duration(hours) * time.Hour,
	}, nil
}

func (st *sensorTools) series(ctx context.Context, args Args) (any, error) {
	q, err := st.query(args)
	if err != nil {
		return nil, err
	}
	return st.src.Series(ctx, q)
}

func (st *sensorTools) analyzeTrends(ctx context.Context, args Args) (any, error) {
	q, err := st.query(args)
	if err != nil {
		return nil, err
	}
	s, err := st.src.Series(ctx, q)
	if err != nil {
		return nil, err
	}
	return sensors.Summarize(s), nil
}

func (st *sensorTools) checkThresholds(ctx context.Context, args Args) (any, error) {
	readings, err := st.src.LatestAll(ctx)
	if err != nil {
		return nil, err
	}

	if param := args.String("parameter"); param != "" {
		var filtered []sensors.Reading
		for _, r := range readings {
			if r.Parameter == param {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("%w for %s", sensors.ErrNoData, param)
		}
		readings = filtered
	}
	return sensors.Assess(readings), nil
}

func (st *sensorTools) compareHistorical(ctx context.Context, args Args) (any, error) {
	q, err := st.query(args)
	if err != nil {
		return nil, err
	}
	days := args.Int("baselineDays")
	if days < 1 || days*24 > maxHours {
		return nil, fmt.Errorf("%w: baselineDays must be between 1 and %d", sensors.ErrInvalidRange, maxHours/24)
	}

	current, err := st.src.Series(ctx, q)
	if err != nil {
		return nil, err
	}
	q.Offset = time.Duration(days) * 24 * time.Hour
	baseline, err := st.src.Series(ctx, q)
	if err != nil {
		return nil, err
	}
	return sensors.Compare(current, baseline), nil
}

func (st *sensorTools) recommendations(ctx context.Context, args Args) (any, error) {
	hours := args.Int("hours")
	if hours < 1 || hours > maxHours {
		return nil, fmt.Errorf("%w: hours must be between 1 and %d", sensors.ErrInvalidRange, maxHours)
	}

	averages := make(map[string]float64)
	for _, param := range sensors.Parameters {
		s, err := st.src.Series(ctx, sensors.Query{Parameter: param, Window: time.Duration(hours) * time.Hour})
		if errors.Is(err, sensors.ErrNoData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sum := sensors.Summarize(s); sum.Count > 0 {
			averages[param] = sum.Mean
		}
	}
	if len(averages) == 0 {
		return nil, sensors.ErrNoData
	}
	return sensors.Recommend(averages), nil
}
