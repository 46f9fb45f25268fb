package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aerie/internal/tools"
)

const roleTemplate = `## Background
The current time is %s. You are located in %s.

## Role
You are Aerie, an indoor environment assistant. You answer questions about
air quality and comfort (CO2, temperature, humidity, TVOC) using readings
from the building's sensors. Use tools to look up data rather than guessing
numbers. When a question does not need data, such as a greeting, answer
directly.`

const formatTemplate = `## Response format
Respond in exactly one of these two forms.

To use a tool:
Thought: <your reasoning about what to do next>
Action: {"tool": "<tool name>", "parameters": {<arguments as JSON>}}

To answer the user:
Thought: <your reasoning>
Final Answer: <your answer to the user>

Rules:
- Request at most one tool per response, then stop and wait for its Observation.
- Only use tools listed above, with the parameters they accept.
- Never invent an Observation.
- Keep final answers short and quote the numbers you found with their units.`

// Background is the situational context given to the model.
type Background struct {
	Now      time.Time
	Location string
}

// SystemPrompt assembles the fixed role, the available tools and the
// response format.
func SystemPrompt(bg Background, catalog []tools.Descriptor) string {
	location := bg.Location
	if location == "" {
		location = "an unspecified location"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, roleTemplate, bg.Now.Format("Monday, January 2, 2006 15:04 MST"), location)
	sb.WriteString("\n\n## Tools\n")
	sb.WriteString(ToolCatalog(catalog))
	sb.WriteString("\n")
	sb.WriteString(formatTemplate)
	return sb.String()
}

// ToolCatalog renders tool descriptors as a bulleted list.
func ToolCatalog(catalog []tools.Descriptor) string {
	if len(catalog) == 0 {
		return "No tools are available right now. Answer from what you already know.\n"
	}

	var sb strings.Builder
	for _, d := range catalog {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		for _, p := range d.Params {
			var attrs []string
			attrs = append(attrs, string(p.Type))
			if p.Required {
				attrs = append(attrs, "required")
			} else if p.Default != nil {
				attrs = append(attrs, fmt.Sprintf("default %v", p.Default))
			} else {
				attrs = append(attrs, "optional")
			}
			if len(p.Enum) > 0 {
				attrs = append(attrs, "one of "+strings.Join(p.Enum, ", "))
			}
			fmt.Fprintf(&sb, "    %s (%s)", p.Name, strings.Join(attrs, "; "))
			if p.Description != "" {
				sb.WriteString(": " + p.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
