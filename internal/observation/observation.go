// Package observation turns tool results into the bounded text the
// reasoning loop feeds back to the model. Output depends only on the
// input value and the formatter's limits.
package observation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nugget/aerie/internal/memory"
	"github.com/nugget/aerie/internal/sensors"
	"github.com/nugget/aerie/internal/tools"
)

// Defaults for a zero Formatter.
const (
	DefaultMaxChars = 2000
	DefaultMaxRows  = 20
)

const (
	timeLayout   = "2006-01-02 15:04"
	truncMarker  = " …[truncated]"
	maxTurnChars = 300
)

// Formatter renders tool results and errors. The zero value uses the
// default limits.
type Formatter struct {
	MaxChars int // Total output length in runes
	MaxRows  int // Rows listed before eliding the rest
}

// New creates a Formatter; non-positive limits fall back to defaults.
func New(maxChars, maxRows int) *Formatter {
	return &Formatter{MaxChars: maxChars, MaxRows: maxRows}
}

func (f *Formatter) maxChars() int {
	if f == nil || f.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return f.MaxChars
}

func (f *Formatter) maxRows() int {
	if f == nil || f.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return f.MaxRows
}

// Format renders a tool outcome. A non-nil err wins over result. The
// returned text is never empty.
func (f *Formatter) Format(result any, err error) string {
	var text string
	if err != nil {
		text = formatError(err)
	} else {
		text = f.formatResult(result)
	}
	if strings.TrimSpace(text) == "" {
		text = "The tool returned no output."
	}
	return truncate(text, f.maxChars())
}

func (f *Formatter) formatResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "The tool returned no output."
	case string:
		return v
	case sensors.Reading:
		return formatReading(v)
	case []sensors.Reading:
		return f.rows(len(v), "No readings are available.", func(i int) string {
			return fmt.Sprintf("Sensor %d %s (at %s)", v[i].Sensor, formatReading(v[i]), v[i].Time.Format(timeLayout))
		})
	case sensors.Series:
		return formatSeries(v)
	case sensors.Summary:
		return formatSummary(v)
	case sensors.Comparison:
		return formatComparison(v)
	case []sensors.Assessment:
		return f.rows(len(v), "No readings with known thresholds are available.", func(i int) string {
			r := v[i].Reading
			return fmt.Sprintf("Sensor %d %s: %s %s (%s)", r.Sensor, r.Parameter, num(r.Value), r.Unit, note(v[i].Threshold, r.Value))
		})
	case []sensors.Recommendation:
		return f.rows(len(v), "No recommendations.", func(i int) string {
			return fmt.Sprintf("- [%s] %s", v[i].Priority, v[i].Message)
		})
	case []memory.Turn:
		return f.rows(len(v), "No conversation was archived for that date.", func(i int) string {
			speaker := "Human"
			if v[i].Role == memory.RoleAgent {
				speaker = "Assistant"
			}
			return fmt.Sprintf("[%s] %s: %s", v[i].Time.Format("15:04"), speaker, truncate(v[i].Text, maxTurnChars))
		})
	case fmt.Stringer:
		return v.String()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

// rows lists up to MaxRows lines and notes how many were left out.
func (f *Formatter) rows(n int, empty string, line func(int) string) string {
	if n == 0 {
		return empty
	}
	limit := min(n, f.maxRows())

	var b strings.Builder
	for i := 0; i < limit; i++ {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line(i))
	}
	if n > limit {
		fmt.Fprintf(&b, "\n(and %d more)", n-limit)
	}
	return b.String()
}

func formatReading(r sensors.Reading) string {
	s := fmt.Sprintf("%s: %s %s", r.Parameter, num(r.Value), r.Unit)
	if th, ok := sensors.ThresholdFor(r.Parameter); ok {
		s += " (" + note(th, r.Value) + ")"
	}
	return s
}

// note places v relative to the threshold in words.
func note(th sensors.Threshold, v float64) string {
	rng := fmt.Sprintf("normal range %s-%s", num(th.Low), num(th.High))
	switch th.Classify(v) {
	case sensors.StatusLow:
		return "below " + rng
	case sensors.StatusHigh:
		if th.Warning > 0 {
			return "above alert threshold " + num(th.High)
		}
		return "above " + rng
	case sensors.StatusWarning:
		return "above warning threshold " + num(th.Warning)
	}
	if th.Warning > 0 {
		return "below warning threshold " + num(th.Warning)
	}
	return "within " + rng
}

func scope(sensor int) string {
	if sensor == 0 {
		return "all sensors"
	}
	return "sensor " + strconv.Itoa(sensor)
}

func formatSeries(s sensors.Series) string {
	sum := sensors.Summarize(s)
	if sum.Count == 0 {
		return fmt.Sprintf("No %s readings on %s between %s and %s.",
			s.Parameter, scope(s.Sensor), s.Start.Format(timeLayout), s.End.Format(timeLayout))
	}
	return fmt.Sprintf("%s on %s, %s to %s: %d readings, min %s, max %s, mean %s, latest %s, trend %s (%s %s/h).",
		s.Parameter, scope(s.Sensor), s.Start.Format(timeLayout), s.End.Format(timeLayout),
		sum.Count, withUnit(sum.Min, s.Unit), withUnit(sum.Max, s.Unit), withUnit(sum.Mean, s.Unit),
		withUnit(sum.Latest, s.Unit), sum.Direction, signed(sum.Slope), s.Unit)
}

func formatSummary(sum sensors.Summary) string {
	if sum.Count == 0 {
		return fmt.Sprintf("No %s readings on %s in the requested window.", sum.Parameter, scope(sum.Sensor))
	}
	s := fmt.Sprintf("%s on %s, %s to %s: %d readings, mean %s, median %s, std dev %s, min %s, max %s, latest %s. Trend: %s (%s %s/h).",
		sum.Parameter, scope(sum.Sensor), sum.Start.Format(timeLayout), sum.End.Format(timeLayout),
		sum.Count, withUnit(sum.Mean, sum.Unit), withUnit(sum.Median, sum.Unit), withUnit(sum.StdDev, sum.Unit),
		withUnit(sum.Min, sum.Unit), withUnit(sum.Max, sum.Unit), withUnit(sum.Latest, sum.Unit),
		sum.Direction, signed(sum.Slope), sum.Unit)
	if th, ok := sensors.ThresholdFor(sum.Parameter); ok {
		s += " Mean is " + note(th, sum.Mean) + "."
	}
	return s
}

func formatComparison(c sensors.Comparison) string {
	if c.Current.Count == 0 || c.Baseline.Count == 0 {
		return fmt.Sprintf("Not enough %s data to compare: %d recent readings, %d baseline readings.",
			c.Parameter, c.Current.Count, c.Baseline.Count)
	}
	return fmt.Sprintf("%s mean was %s from %s to %s, compared with %s from %s to %s (%s %s, %s%%).",
		c.Parameter,
		withUnit(c.Current.Mean, c.Unit), c.Current.Start.Format(timeLayout), c.Current.End.Format(timeLayout),
		withUnit(c.Baseline.Mean, c.Unit), c.Baseline.Start.Format(timeLayout), c.Baseline.End.Format(timeLayout),
		signed(c.Change), c.Unit, signed(c.ChangePercent))
}

func formatError(err error) string {
	var mismatch *tools.ArgumentMismatchError
	var unavailable *tools.ErrToolUnavailable
	var exec *tools.ExecutionError

	switch {
	case errors.As(err, &mismatch):
		return fmt.Sprintf("Invalid arguments for %s: %s. Expected %s. Retry with corrected arguments.",
			mismatch.ToolName, strings.Join(mismatch.Problems, "; "), mismatch.Signature)
	case errors.As(err, &unavailable):
		return fmt.Sprintf("There is no tool named %q. Use one of the listed tools or give a final answer.", unavailable.ToolName)
	case errors.As(err, &exec):
		return fmt.Sprintf("Tool %s failed: %s", exec.ToolName, describeFailure(exec.Err))
	}
	return "The tool call failed: " + describeFailure(err)
}

// describeFailure explains known causes; anything else is reported
// generically since it may carry internal detail.
func describeFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "it timed out. Try a smaller time window or answer with what you know."
	case errors.Is(err, context.Canceled):
		return "it was cancelled."
	case errors.Is(err, sensors.ErrUnknownParameter):
		return "unknown parameter. Valid parameters are " + strings.Join(sensors.Parameters, ", ") + "."
	case errors.Is(err, sensors.ErrUnknownSensor):
		return "that sensor does not exist."
	case errors.Is(err, sensors.ErrInvalidRange):
		return err.Error() + "."
	case errors.Is(err, sensors.ErrNoData):
		return "no matching sensor data was found."
	case errors.Is(err, memory.ErrInvalidDate):
		return "that date does not exist. Use a real calendar date."
	}
	return "the data source is unavailable. Try another approach or answer with what you know."
}

// num renders a value with at most two decimals and no trailing zeros.
func num(v float64) string {
	r := math.Round(v*100) / 100
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func signed(v float64) string {
	if v > 0 {
		return "+" + num(v)
	}
	return num(v)
}

func withUnit(v float64, unit string) string {
	if unit == "" {
		return num(v)
	}
	return num(v) + " " + unit
}

// truncate limits s to max runes, marking the cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(truncMarker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return string(runes[:keep]) + truncMarker
}
