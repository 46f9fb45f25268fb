// Package tools provides the tool registry and execution framework.
package tools

import (
	"context"
	"fmt"
	"strings"
)

// ParamType is the JSON-ish type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param describes one tool parameter.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// Descriptor is a tool's name, ordered parameter schema and usage text.
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// Signature renders the call shape, e.g.
// getLatestReading(sensor: integer, parameter: string).
// Optional parameters carry a trailing "?".
func (d Descriptor) Signature() string {
	parts := make([]string, len(d.Params))
	for i, p := range d.Params {
		opt := ""
		if !p.Required {
			opt = "?"
		}
		parts[i] = fmt.Sprintf("%s%s: %s", p.Name, opt, p.Type)
	}
	return d.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Ordered returns bound argument values in schema order, nil for
// optional parameters that were not supplied.
func (d Descriptor) Ordered(args Args) []any {
	out := make([]any, len(d.Params))
	for i, p := range d.Params {
		out[i] = args[p.Name]
	}
	return out
}

// Handler executes a tool. Args has already been validated against the
// descriptor. Handlers must not touch state owned by other handlers.
type Handler func(ctx context.Context, args Args) (any, error)

// Invocation records one tool call within a reasoning run.
type Invocation struct {
	Tool      string `json:"tool"`
	Args      []any  `json:"args"`
	Iteration int    `json:"iteration"`
}

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry holds available tools. Populate it at startup, then Seal it;
// after that it is read-only and safe for concurrent Invoke calls.
type Registry struct {
	order  []string
	tools  map[string]entry
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(d Descriptor, h Handler) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if d.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if h == nil {
		return fmt.Errorf("register tool %q: nil handler", d.Name)
	}
	if _, ok := r.tools[d.Name]; ok {
		return &DuplicateToolError{ToolName: d.Name}
	}

	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("register tool %q: bad or repeated parameter name %q", d.Name, p.Name)
		}
		seen[p.Name] = true
	}

	d.Params = append([]Param(nil), d.Params...)
	r.tools[d.Name] = entry{desc: d, handler: h}
	r.order = append(r.order, d.Name)
	return nil
}

// Seal freezes the catalog.
func (r *Registry) Seal() {
	r.sealed = true
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	e, ok := r.tools[name]
	return e.desc, ok
}

// Catalog returns descriptors in registration order, minus any named in
// exclude.
func (r *Registry) Catalog(exclude ...string) []Descriptor {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		if !skip[name] {
			out = append(out, r.tools[name].desc)
		}
	}
	return out
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Invoke resolves, validates and runs a tool. Errors are always one of
// *ErrToolUnavailable, *ArgumentMismatchError or *ExecutionError. The
// handler runs under ctx; if ctx ends first Invoke returns without
// waiting for it.
func (r *Registry) Invoke(ctx context.Context, name string, args Arguments) (any, error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	bound, err := bind(e.desc, args)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := e.handler(ctx, bound)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, &ExecutionError{ToolName: name, Err: o.err}
		}
		return o.result, nil
	case <-ctx.Done():
		return nil, &ExecutionError{ToolName: name, Err: ctx.Err()}
	}
}
