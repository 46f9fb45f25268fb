package agent

import (
	"encoding/json"
	"strings"
)

// Step is one iteration of a run as the model will see it on the next
// prompt.
type Step struct {
	Iteration   int
	Thought     string
	Action      string // rendered call, "" if none
	Observation string
}

// Trace accumulates the steps of a single run. It is not shared between
// runs and needs no locking.
type Trace struct {
	steps []Step
}

// Add appends a step.
func (t *Trace) Add(s Step) {
	t.steps = append(t.steps, s)
}

// Len reports the number of steps recorded.
func (t *Trace) Len() int {
	return len(t.steps)
}

// LastThought returns the most recent non-empty thought.
func (t *Trace) LastThought() string {
	for i := len(t.steps) - 1; i >= 0; i-- {
		if t.steps[i].Thought != "" {
			return t.steps[i].Thought
		}
	}
	return ""
}

// Render formats the steps as Thought/Action/Observation blocks.
func (t *Trace) Render() string {
	var sb strings.Builder
	for _, s := range t.steps {
		if s.Thought != "" {
			sb.WriteString("Thought: " + s.Thought + "\n")
		}
		if s.Action != "" {
			sb.WriteString("Action: " + s.Action + "\n")
		}
		sb.WriteString("Observation: " + s.Observation + "\n\n")
	}
	return sb.String()
}

// renderAction formats a tool call the way the model is asked to write
// one, so the trace reads as its own output.
func renderAction(d Decision) string {
	call := map[string]any{"tool": d.Tool}
	switch {
	case d.Args.Named != nil:
		call["parameters"] = d.Args.Named
	case d.Args.Positional != nil:
		call["parameters"] = d.Args.Positional
	default:
		call["parameters"] = map[string]any{}
	}
	b, err := json.Marshal(call)
	if err != nil {
		return d.Tool
	}
	return string(b)
}
