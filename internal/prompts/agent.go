package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/aerie/internal/memory"
)

// UnparseableObservation is fed back when a response matched neither
// response form.
const UnparseableObservation = "could not parse response; respond with either a final answer or a single valid action"

// DegradedPrefix marks an answer assembled after the iteration budget
// ran out.
const DegradedPrefix = "(Incomplete answer) "

// DegradedFallback is used when the budget ran out before the model
// produced any thought worth surfacing.
const DegradedFallback = "I wasn't able to finish working through your question. Please try asking it more specifically."

// UnavailableAnswer is returned when the model could not be reached.
const UnavailableAnswer = "The assistant is temporarily unavailable. Please try again in a few minutes."

// GatewayFailureObservation describes a failed model call in the trace.
func GatewayFailureObservation(kind string) string {
	return fmt.Sprintf("the language model request failed (%s); continue with either a final answer or a single valid action", kind)
}

// UserPrompt assembles recent conversation, the new message and the
// steps taken so far.
func UserPrompt(history []memory.Turn, message, scratchpad string) string {
	var sb strings.Builder

	if len(history) > 0 {
		sb.WriteString("## Chat history\n")
		for _, t := range history {
			speaker := "Human"
			if t.Role == memory.RoleAgent {
				speaker = "Assistant"
			}
			fmt.Fprintf(&sb, "%s: %s\n", speaker, t.Text)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## New input\n")
	sb.WriteString("Human: " + message + "\n")

	if scratchpad != "" {
		sb.WriteString("\n## Steps so far\n")
		sb.WriteString(scratchpad)
	}
	return sb.String()
}
