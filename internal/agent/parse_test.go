package agent

import (
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		kind       DecisionKind
		thought    string
		answer     string
		tool       string
		named      map[string]any
		positional []any
	}{
		{
			name:    "final answer",
			input:   "Thought: I know this.\nFinal Answer: Hello!",
			kind:    FinalAnswer,
			thought: "I know this.",
			answer:  "Hello!",
		},
		{
			name:   "final answer without thought",
			input:  "final answer: 42",
			kind:   FinalAnswer,
			answer: "42",
		},
		{
			name:   "multiline final answer",
			input:  "Final Answer: Line one.\nLine two.",
			kind:   FinalAnswer,
			answer: "Line one.\nLine two.",
		},
		{
			name:    "json action",
			input:   "Thought: check CO2\nAction: {\"tool\": \"getLatestReading\", \"parameters\": {\"sensor\": 1, \"parameter\": \"CO2\"}}",
			kind:    ToolCall,
			thought: "check CO2",
			tool:    "getLatestReading",
			named:   map[string]any{"sensor": float64(1), "parameter": "CO2"},
		},
		{
			name:       "positional parameters",
			input:      `Action: {"tool": "getLatestReading", "parameters": [1, "CO2"]}`,
			kind:       ToolCall,
			tool:       "getLatestReading",
			positional: []any{float64(1), "CO2"},
		},
		{
			name:  "name and arguments keys",
			input: `Action: {"name": "getCurrentTime", "arguments": {}}`,
			kind:  ToolCall,
			tool:  "getCurrentTime",
			named: map[string]any{},
		},
		{
			name:    "fenced json action",
			input:   "Thought: look\nAction:\n```json\n{\"tool\": \"analyzeTrends\", \"parameters\": {\"parameter\": \"humidity\"}}\n```",
			kind:    ToolCall,
			thought: "look",
			tool:    "analyzeTrends",
			named:   map[string]any{"parameter": "humidity"},
		},
		{
			name:    "classic action input",
			input:   "Thought: t\nAction: getSensorSeries\nAction Input: {\"sensor\": 2, \"parameter\": \"TVOC\", \"hours\": 6}",
			kind:    ToolCall,
			thought: "t",
			tool:    "getSensorSeries",
			named:   map[string]any{"sensor": float64(2), "parameter": "TVOC", "hours": float64(6)},
		},
		{
			name:  "action without input",
			input: "Action: `getCurrentTime`",
			kind:  ToolCall,
			tool:  "getCurrentTime",
		},
		{
			name:  "tool_call tag",
			input: "<tool_call>{\"name\": \"checkThresholds\", \"arguments\": {\"sensor\": 3}}</tool_call>",
			kind:  ToolCall,
			tool:  "checkThresholds",
			named: map[string]any{"sensor": float64(3)},
		},
		{
			name:  "bare json",
			input: `{"tool": "getRecommendations", "parameters": {}}`,
			kind:  ToolCall,
			tool:  "getRecommendations",
			named: map[string]any{},
		},
		{
			name:  "openai function shape",
			input: `{"function": {"name": "recallConversation", "arguments": "{\"date\": \"2024-03-14\"}"}}`,
			kind:  ToolCall,
			tool:  "recallConversation",
			named: map[string]any{"date": "2024-03-14"},
		},
		{
			name:  "braces inside strings",
			input: `Action: {"tool": "echo", "parameters": {"text": "a } b { c"}}`,
			kind:  ToolCall,
			tool:  "echo",
			named: map[string]any{"text": "a } b { c"},
		},
		{
			name:    "final answer wins over action",
			input:   "Thought: x\nAction: {\"tool\": \"a\"}\nFinal Answer: done",
			kind:    FinalAnswer,
			thought: "x",
			answer:  "done",
		},
		{
			name:    "think block",
			input:   "<think>The user greets me.</think>\nFinal Answer: Hi!",
			kind:    FinalAnswer,
			thought: "The user greets me.",
			answer:  "Hi!",
		},
		{
			name:    "thought only",
			input:   "Thought: I am not sure what to do.",
			kind:    Unparseable,
			thought: "I am not sure what to do.",
		},
		{
			name:  "free text",
			input: "The air is probably fine.",
			kind:  Unparseable,
		},
		{
			name:  "broken json action",
			input: `Action: {"tool": "getLatestReading", "parameters": {`,
			kind:  Unparseable,
		},
		{
			name:  "empty final answer",
			input: "Final Answer:   ",
			kind:  Unparseable,
		},
		{
			name:  "empty",
			input: "",
			kind:  Unparseable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Parse(tt.input)
			if d.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", d.Kind, tt.kind)
			}
			if d.Thought != tt.thought {
				t.Errorf("Thought = %q, want %q", d.Thought, tt.thought)
			}
			if d.Answer != tt.answer {
				t.Errorf("Answer = %q, want %q", d.Answer, tt.answer)
			}
			if d.Tool != tt.tool {
				t.Errorf("Tool = %q, want %q", d.Tool, tt.tool)
			}
			if !reflect.DeepEqual(d.Args.Named, tt.named) {
				t.Errorf("Named = %#v, want %#v", d.Args.Named, tt.named)
			}
			if !reflect.DeepEqual(d.Args.Positional, tt.positional) {
				t.Errorf("Positional = %#v, want %#v", d.Args.Positional, tt.positional)
			}
		})
	}
}

func TestTraceRender(t *testing.T) {
	var tr Trace
	if tr.Render() != "" || tr.LastThought() != "" {
		t.Fatal("empty trace should render nothing")
	}

	tr.Add(Step{Iteration: 1, Thought: "look it up", Action: `{"tool":"a","parameters":{}}`, Observation: "42"})
	tr.Add(Step{Iteration: 2, Observation: "could not parse"})

	got := tr.Render()
	want := "Thought: look it up\nAction: {\"tool\":\"a\",\"parameters\":{}}\nObservation: 42\n\nObservation: could not parse\n\n"
	if got != want {
		t.Errorf("Render =\n%q\nwant\n%q", got, want)
	}
	if tr.LastThought() != "look it up" {
		t.Errorf("LastThought = %q", tr.LastThought())
	}
	if tr.Len() != 2 {
		t.Errorf("Len = %d", tr.Len())
	}
}

func TestRenderAction(t *testing.T) {
	d := Parse(`Action: {"tool": "getLatestReading", "parameters": {"sensor": 1}}`)
	got := renderAction(d)
	if !strings.Contains(got, `"tool":"getLatestReading"`) || !strings.Contains(got, `"sensor":1`) {
		t.Errorf("renderAction = %s", got)
	}
	if got := renderAction(Decision{Kind: ToolCall, Tool: "getCurrentTime"}); got != `{"parameters":{},"tool":"getCurrentTime"}` {
		t.Errorf("renderAction(no args) = %s", got)
	}
}
