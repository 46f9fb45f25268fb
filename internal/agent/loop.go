// Package agent implements the reasoning loop: it alternates model
// calls with tool invocations until the model produces an answer or the
// iteration budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aerie/internal/config"
	"github.com/nugget/aerie/internal/llm"
	"github.com/nugget/aerie/internal/memory"
	"github.com/nugget/aerie/internal/metrics"
	"github.com/nugget/aerie/internal/observation"
	"github.com/nugget/aerie/internal/prompts"
	"github.com/nugget/aerie/internal/tools"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxIterations      = 10
	DefaultGatewayTimeout     = 120 * time.Second
	DefaultToolTimeout        = 30 * time.Second
	DefaultMaxGatewayFailures = 2
)

// ErrInvalidRequest is returned for a request missing its user or
// message.
var ErrInvalidRequest = errors.New("invalid request")

// Status is how a run ended.
type Status string

const (
	StatusAnswered    Status = "answered"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
	StatusCancelled   Status = "cancelled"
)

// Memory is the conversation history a loop reads and commits to.
type Memory interface {
	Recent(userID string) []memory.Turn
	Append(ctx context.Context, userID string, turns ...memory.Turn) error
}

// Config tunes the loop.
type Config struct {
	MaxIterations      int
	GatewayTimeout     time.Duration
	ToolTimeout        time.Duration
	MaxGatewayFailures int

	// Location names where the sensors are, for the prompt background.
	Location string
	// TimeLocation is the zone "now" is presented in.
	TimeLocation *time.Location
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = DefaultGatewayTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.MaxGatewayFailures <= 0 {
		c.MaxGatewayFailures = DefaultMaxGatewayFailures
	}
	if c.TimeLocation == nil {
		c.TimeLocation = time.Local
	}
}

// Request is one user message to answer.
type Request struct {
	UserID        string `json:"user_id"`
	Message       string `json:"message"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// Response is the outcome of a run.
type Response struct {
	Answer     string             `json:"answer"`
	Status     Status             `json:"status"`
	Iterations int                `json:"iterations"`
	ToolCalls  []tools.Invocation `json:"tool_calls"`
	RequestID  string             `json:"request_id"`
}

// Loop runs reasoning requests. A Loop is safe for concurrent use;
// each Run keeps its own trace.
type Loop struct {
	logger    *slog.Logger
	memory    Memory
	gateway   llm.Gateway
	registry  *tools.Registry
	formatter *observation.Formatter
	metrics   *metrics.Collector
	cfg       Config
	now       func() time.Time
}

// NewLoop creates a reasoning loop. The registry should already be
// sealed.
func NewLoop(logger *slog.Logger, mem Memory, gw llm.Gateway, reg *tools.Registry, formatter *observation.Formatter, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if formatter == nil {
		formatter = observation.New(0, 0)
	}
	cfg.applyDefaults()
	return &Loop{
		logger:    logger,
		memory:    mem,
		gateway:   gw,
		registry:  reg,
		formatter: formatter,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetMetrics attaches a metrics collector.
func (l *Loop) SetMetrics(m *metrics.Collector) {
	l.metrics = m
}

// run is the per-request state.
type run struct {
	req       *Request
	resp      *Response
	trace     Trace
	log       *slog.Logger
	started   time.Time
	suppress  string // tool to hide from the next catalog
	lastTool  string // tool invoked successfully in the previous iteration
	failures  int    // consecutive gateway failures
	iteration int
}

// Run answers one message. It returns an error only for an invalid
// request or when the finished exchange could not be saved; in the
// latter case the response is still returned alongside the error.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: user id and message are required", ErrInvalidRequest)
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = l.cfg.MaxIterations
	}

	r := &run{
		req:     req,
		resp:    &Response{RequestID: uuid.NewString(), ToolCalls: []tools.Invocation{}},
		started: l.now(),
	}
	r.log = l.logger.With("request_id", r.resp.RequestID, "user", req.UserID)
	r.log.Info("run started", "max_iterations", maxIter)

	history := l.memory.Recent(req.UserID)

	for r.iteration = 1; r.iteration <= maxIter; r.iteration++ {
		if ctx.Err() != nil {
			return l.finish(ctx, r, StatusCancelled, "")
		}
		r.resp.Iterations = r.iteration

		var exclude []string
		if r.suppress != "" {
			exclude = append(exclude, r.suppress)
			r.log.Debug("tool hidden for this iteration", "tool", r.suppress, "iteration", r.iteration)
		}
		r.suppress = ""

		prompt := llm.Prompt{
			System: prompts.SystemPrompt(prompts.Background{
				Now:      l.now().In(l.cfg.TimeLocation),
				Location: l.cfg.Location,
			}, l.registry.Catalog(exclude...)),
			User: prompts.UserPrompt(history, req.Message, r.trace.Render()),
		}

		text, err := l.send(ctx, r, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(ctx, r, StatusCancelled, "")
			}
			kind := llm.KindOf(err)
			l.metrics.GatewayError(string(kind))
			r.failures++
			r.lastTool = ""
			r.log.Warn("model call failed",
				"iteration", r.iteration,
				"kind", kind,
				"consecutive", r.failures,
				"error", err,
			)
			if r.failures >= l.cfg.MaxGatewayFailures {
				return l.finish(ctx, r, StatusUnavailable, prompts.UnavailableAnswer)
			}
			r.trace.Add(Step{Iteration: r.iteration, Observation: prompts.GatewayFailureObservation(string(kind))})
			continue
		}
		r.failures = 0

		d := Parse(text)
		r.log.Debug("model decision", "iteration", r.iteration, "kind", d.Kind.String(), "tool", d.Tool)

		switch d.Kind {
		case FinalAnswer:
			return l.finish(ctx, r, StatusAnswered, d.Answer)

		case ToolCall:
			if d.Tool == r.lastTool {
				r.suppress = d.Tool
			}
			obs, ok := l.invoke(ctx, r, d)
			r.lastTool = ""
			if ok {
				r.lastTool = d.Tool
			}
			r.trace.Add(Step{
				Iteration:   r.iteration,
				Thought:     d.Thought,
				Action:      renderAction(d),
				Observation: obs,
			})

		default:
			r.lastTool = ""
			r.log.Debug("unparseable model response", "iteration", r.iteration, "raw", text)
			r.trace.Add(Step{Iteration: r.iteration, Thought: d.Thought, Observation: prompts.UnparseableObservation})
		}
	}

	if ctx.Err() != nil {
		return l.finish(ctx, r, StatusCancelled, "")
	}

	answer := prompts.DegradedFallback
	if th := r.trace.LastThought(); th != "" {
		answer = th
	}
	return l.finish(ctx, r, StatusDegraded, prompts.DegradedPrefix+answer)
}

// send makes one model call bounded by the gateway timeout.
func (l *Loop) send(ctx context.Context, r *run, prompt llm.Prompt) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	defer cancel()

	r.log.Log(ctx, config.LevelTrace, "model prompt",
		"iteration", r.iteration,
		"system", prompt.System,
		"user", prompt.User,
	)

	start := time.Now()
	text, err := l.gateway.Send(callCtx, prompt)
	if err != nil {
		return "", err
	}

	r.log.Log(ctx, config.LevelTrace, "model response",
		"iteration", r.iteration,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"text", text,
	)
	return text, nil
}

// invoke runs one tool call and returns the observation for the trace
// and whether the call succeeded. The call is detached from run
// cancellation and bounded by the tool timeout.
func (l *Loop) invoke(ctx context.Context, r *run, d Decision) (string, bool) {
	callCtx := tools.WithUserID(context.WithoutCancel(ctx), r.req.UserID)
	callCtx, cancel := context.WithTimeout(callCtx, l.cfg.ToolTimeout)
	defer cancel()

	inv := tools.Invocation{Tool: d.Tool, Args: d.Args.Positional, Iteration: r.iteration}
	if desc, ok := l.registry.Lookup(d.Tool); ok && d.Args.Named != nil {
		inv.Args = desc.Ordered(tools.Args(d.Args.Named))
	}
	if inv.Args == nil {
		inv.Args = []any{}
	}
	r.resp.ToolCalls = append(r.resp.ToolCalls, inv)

	start := time.Now()
	result, err := l.registry.Invoke(callCtx, d.Tool, d.Args)
	elapsed := time.Since(start)

	outcome := toolOutcome(err)
	l.metrics.ObserveTool(d.Tool, outcome, elapsed)

	if err != nil {
		r.log.Warn("tool call failed",
			"iteration", r.iteration,
			"tool", d.Tool,
			"outcome", outcome,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
	} else {
		r.log.Info("tool call",
			"iteration", r.iteration,
			"tool", d.Tool,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}
	return l.formatter.Format(result, err), err == nil
}

func toolOutcome(err error) string {
	var (
		unavailable *tools.ErrToolUnavailable
		mismatch    *tools.ArgumentMismatchError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.As(err, &mismatch):
		return "arguments"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "execution"
	}
}

// finish records the outcome and, for answered and degraded runs,
// commits the exchange to memory. The commit ignores run cancellation.
func (l *Loop) finish(ctx context.Context, r *run, status Status, answer string) (*Response, error) {
	r.resp.Status = status
	r.resp.Answer = answer
	elapsed := l.now().Sub(r.started)
	l.metrics.ObserveRun(string(status), r.resp.Iterations, elapsed)

	r.log.Info("run finished",
		"status", status,
		"iterations", r.resp.Iterations,
		"tool_calls", len(r.resp.ToolCalls),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	if status != StatusAnswered && status != StatusDegraded {
		return r.resp, nil
	}

	userTurn := memory.NewTurn(memory.RoleUser, r.req.Message, r.started)
	agentTurn := memory.NewTurn(memory.RoleAgent, answer, l.now())
	if err := l.memory.Append(context.WithoutCancel(ctx), r.req.UserID, userTurn, agentTurn); err != nil {
		r.log.Error("failed to save exchange", "error", err)
		return r.resp, fmt.Errorf("save exchange: %w", err)
	}
	return r.resp, nil
}
