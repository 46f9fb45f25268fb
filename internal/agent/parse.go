package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nugget/aerie/internal/tools"
)

// DecisionKind is what a model response asks the loop to do.
type DecisionKind int

const (
	// Unparseable responses match neither response form.
	Unparseable DecisionKind = iota
	// FinalAnswer ends the run with an answer for the user.
	FinalAnswer
	// ToolCall requests one tool invocation.
	ToolCall
)

func (k DecisionKind) String() string {
	switch k {
	case FinalAnswer:
		return "final_answer"
	case ToolCall:
		return "tool_call"
	default:
		return "unparseable"
	}
}

// Decision is a parsed model response. Answer is set for FinalAnswer;
// Tool and Args for ToolCall. Thought is whatever reasoning preceded
// the decision, for any kind.
type Decision struct {
	Kind    DecisionKind
	Thought string
	Answer  string
	Tool    string
	Args    tools.Arguments
}

var (
	thinkBlock   = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	toolCallTag  = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	finalMarker  = regexp.MustCompile(`(?i)final\s+answer\s*:`)
	thoughtLabel = regexp.MustCompile(`(?i)thought\s*:`)
	actionLabel  = regexp.MustCompile(`(?im)^\s*action\s*:`)
	inputLabel   = regexp.MustCompile(`(?im)^\s*action\s+input\s*:`)
	anyLabel     = regexp.MustCompile(`(?im)^\s*(?:thought|action|action\s+input|observation|final\s+answer)\s*:`)
)

var (
	nameKeys = []string{"tool", "name", "action", "tool_name"}
	argKeys  = []string{"parameters", "arguments", "args", "action_input", "action_inputs", "input"}
)

// Parse classifies a model response. A final answer takes precedence
// over an action when both appear.
func Parse(text string) Decision {
	text = strings.TrimSpace(text)

	// Reasoning models wrap private thinking in <think> tags; keep it
	// as a fallback thought but parse what follows.
	var thinking string
	if m := thinkBlock.FindStringSubmatch(text); m != nil {
		thinking = strings.TrimSpace(m[1])
		text = strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
	}

	d := parse(text)
	if d.Thought == "" {
		d.Thought = thinking
	}
	return d
}

func parse(text string) Decision {
	if loc := finalMarker.FindStringIndex(text); loc != nil {
		answer := stripFences(strings.TrimSpace(text[loc[1]:]))
		if answer != "" {
			return Decision{Kind: FinalAnswer, Thought: thought(text[:loc[0]]), Answer: answer}
		}
	}

	th := thought(text)

	if loc := actionLabel.FindStringIndex(text); loc != nil {
		if d, ok := parseAction(text, loc[1]); ok {
			d.Thought = th
			return d
		}
		return Decision{Kind: Unparseable, Thought: th}
	}

	if m := toolCallTag.FindStringSubmatch(text); m != nil {
		if d, ok := callFromJSON(m[1]); ok {
			d.Thought = th
			return d
		}
	}

	// Some models answer with nothing but a JSON call.
	if d, ok := callFromJSON(text); ok {
		d.Thought = th
		return d
	}

	return Decision{Kind: Unparseable, Thought: th}
}

// thought returns the text after a "Thought:" label up to the next
// label, or "" if there is no label.
func thought(text string) string {
	loc := thoughtLabel.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[1]:]
	if next := anyLabel.FindStringIndex(rest); next != nil {
		rest = rest[:next[0]]
	}
	return strings.TrimSpace(rest)
}

// parseAction handles both "Action: {json}" and the classic
// "Action: name" followed by "Action Input: {json}".
func parseAction(text string, start int) (Decision, bool) {
	rest := text[start:]
	body := strings.TrimSpace(stripFences(strings.TrimSpace(rest)))

	if strings.HasPrefix(body, "{") {
		return callFromJSON(body)
	}

	line, _, _ := strings.Cut(body, "\n")
	name := strings.Trim(strings.TrimSpace(line), "`\"'")
	if name == "" || strings.ContainsAny(name, " {}()") {
		return Decision{}, false
	}

	d := Decision{Kind: ToolCall, Tool: name}
	if loc := inputLabel.FindStringIndex(rest); loc != nil {
		input := strings.TrimSpace(stripFences(strings.TrimSpace(rest[loc[1]:])))
		if input != "" && !strings.EqualFold(input, "none") {
			args, ok := argsFromJSON(input)
			if !ok {
				return Decision{}, false
			}
			d.Args = args
		}
	}
	return d, true
}

// callFromJSON extracts the first JSON object in s and reads a tool
// name and arguments from it.
func callFromJSON(s string) (Decision, bool) {
	raw := firstJSON(s, '{', '}')
	if raw == "" {
		return Decision{}, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return Decision{}, false
	}
	return callFromObject(obj)
}

func callFromObject(obj map[string]any) (Decision, bool) {
	// OpenAI style: {"function": {"name": ..., "arguments": "..."}}
	if fn, ok := obj["function"].(map[string]any); ok {
		return callFromObject(fn)
	}

	var name string
	for _, k := range nameKeys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			name = strings.TrimSpace(s)
			break
		}
	}
	if name == "" {
		return Decision{}, false
	}

	d := Decision{Kind: ToolCall, Tool: name}
	for _, k := range argKeys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		args, ok := argsFromValue(v)
		if !ok {
			return Decision{}, false
		}
		d.Args = args
		break
	}
	return d, true
}

func argsFromJSON(s string) (tools.Arguments, bool) {
	if raw := firstJSON(s, '{', '}'); raw != "" && strings.HasPrefix(strings.TrimSpace(s), "{") {
		var v map[string]any
		if json.Unmarshal([]byte(raw), &v) != nil {
			return tools.Arguments{}, false
		}
		return tools.Arguments{Named: v}, true
	}
	if raw := firstJSON(s, '[', ']'); raw != "" {
		var v []any
		if json.Unmarshal([]byte(raw), &v) != nil {
			return tools.Arguments{}, false
		}
		return tools.Arguments{Positional: v}, true
	}
	return tools.Arguments{}, false
}

func argsFromValue(v any) (tools.Arguments, bool) {
	switch a := v.(type) {
	case nil:
		return tools.Arguments{}, true
	case map[string]any:
		return tools.Arguments{Named: a}, true
	case []any:
		return tools.Arguments{Positional: a}, true
	case string:
		// Arguments encoded as a JSON string.
		if strings.TrimSpace(a) == "" {
			return tools.Arguments{}, true
		}
		return argsFromJSON(a)
	}
	return tools.Arguments{}, false
}

// firstJSON returns the first balanced open...close span in s, skipping
// brackets inside string literals.
func firstJSON(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripFences removes a surrounding Markdown code fence.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
