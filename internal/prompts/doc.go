// Package prompts contains the prompt text Aerie sends to language models.
//
// Prompt text is Go code rather than config because it is program logic:
// it is interpolated with fmt, its exact wording is what the response
// parser depends on, and tests can check it. Each prompt area gets its
// own file with exported functions that take the dynamic parts.
package prompts
