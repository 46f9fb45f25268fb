package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/aerie/internal/llm"
	"github.com/nugget/aerie/internal/memory"
	"github.com/nugget/aerie/internal/metrics"
	"github.com/nugget/aerie/internal/observation"
	"github.com/nugget/aerie/internal/prompts"
	"github.com/nugget/aerie/internal/sensors"
	"github.com/nugget/aerie/internal/tools"
)

// scriptedGateway replays canned responses and records every prompt.
// A nil error with an empty reply slot repeats the last reply.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []reply
	prompts []llm.Prompt
	onSend  func(call int)
}

type reply struct {
	text string
	err  error
}

func (g *scriptedGateway) Send(_ context.Context, p llm.Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	call := len(g.prompts)
	if g.onSend != nil {
		g.onSend(call)
	}
	i := min(call-1, len(g.replies)-1)
	return g.replies[i].text, g.replies[i].err
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// fakeMemory is an in-memory Memory with failure injection.
type fakeMemory struct {
	mu      sync.Mutex
	turns   map[string][]memory.Turn
	failErr error
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{turns: make(map[string][]memory.Turn)}
}

func (m *fakeMemory) Recent(userID string) []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.Turn(nil), m.turns[userID]...)
}

func (m *fakeMemory) Append(_ context.Context, userID string, turns ...memory.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.turns[userID] = append(m.turns[userID], turns...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const co2Action = `Thought: I should check the CO2 sensor.
Action: {"tool": "getLatestReading", "parameters": {"sensor": 1, "parameter": "CO2"}}`

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()

	err := r.Register(tools.Descriptor{
		Name:        "getLatestReading",
		Description: "Latest reading for one sensor parameter.",
		Params: []tools.Param{
			{Name: "sensor", Type: tools.TypeInteger, Required: true},
			{Name: "parameter", Type: tools.TypeString, Required: true},
		},
	}, func(_ context.Context, args tools.Args) (any, error) {
		return sensors.Reading{
			Sensor:    args.Int("sensor"),
			Parameter: sensors.CO2,
			Value:     650,
			Unit:      "ppm",
			Time:      time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC),
		}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	err = r.Register(tools.Descriptor{
		Name:        "brokenTool",
		Description: "Always fails.",
	}, func(context.Context, tools.Args) (any, error) {
		return nil, errors.New("database is locked")
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Seal()
	return r
}

func newTestLoop(t *testing.T, gw llm.Gateway, mem Memory, cfg Config) *Loop {
	t.Helper()
	if cfg.TimeLocation == nil {
		cfg.TimeLocation = time.UTC
	}
	return NewLoop(testLogger(), mem, gw, testRegistry(t), observation.New(0, 0), cfg)
}

func TestRun_ToolThenAnswer(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{
		{text: co2Action},
		{text: "Thought: 650 ppm is fine.\nFinal Answer: CO2 is 650 ppm, which is good."},
	}}
	mem := newFakeMemory()
	loop := newTestLoop(t, gw, mem, Config{})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "How's the CO2?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if resp.Status != StatusAnswered {
		t.Errorf("Status = %q, want answered", resp.Status)
	}
	if resp.Answer != "CO2 is 650 ppm, which is good." {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", resp.Iterations)
	}
	if resp.RequestID == "" {
		t.Error("RequestID is empty")
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Tool != "getLatestReading" || call.Iteration != 1 {
		t.Errorf("ToolCalls[0] = %+v", call)
	}
	if len(call.Args) != 2 || call.Args[1] != "CO2" {
		t.Errorf("ToolCalls[0].Args = %v, want schema-ordered [1 CO2]", call.Args)
	}

	second := gw.prompts[1].User
	if !strings.Contains(second, "Observation: CO2: 650 ppm (below warning threshold 800)") {
		t.Errorf("second prompt missing observation:\n%s", second)
	}
	if !strings.Contains(second, "Thought: I should check the CO2 sensor.") {
		t.Errorf("second prompt missing prior thought:\n%s", second)
	}

	turns := mem.Recent("u1")
	if len(turns) != 2 {
		t.Fatalf("committed %d turns, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Text != "How's the CO2?" {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != memory.RoleAgent || turns[1].Text != resp.Answer {
		t.Errorf("agent turn = %+v", turns[1])
	}
}

func TestRun_DirectAnswer(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{{text: "Final Answer: Hello there."}}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusAnswered || resp.Iterations != 1 || len(resp.ToolCalls) != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ToolCalls == nil {
		t.Error("ToolCalls should be empty, not nil")
	}
}

func TestRun_HistoryInPrompt(t *testing.T) {
	mem := newFakeMemory()
	at := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	_ = mem.Append(context.Background(), "u1",
		memory.NewTurn(memory.RoleUser, "what is TVOC?", at),
		memory.NewTurn(memory.RoleAgent, "volatile organic compounds", at),
	)

	gw := &scriptedGateway{replies: []reply{{text: "Final Answer: ok"}}}
	loop := newTestLoop(t, gw, mem, Config{})
	if _, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "thanks"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	user := gw.prompts[0].User
	for _, want := range []string{"Human: what is TVOC?", "Assistant: volatile organic compounds", "Human: thanks"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
}

func TestRun_IterationBound(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{{text: co2Action}}}
	mem := newFakeMemory()
	loop := newTestLoop(t, gw, mem, Config{MaxIterations: 4})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gw.calls() != 4 {
		t.Errorf("model called %d times, want 4", gw.calls())
	}
	if resp.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", resp.Status)
	}
	want := prompts.DegradedPrefix + "I should check the CO2 sensor."
	if resp.Answer != want {
		t.Errorf("Answer = %q, want %q", resp.Answer, want)
	}
	if len(mem.Recent("u1")) != 2 {
		t.Errorf("degraded run should commit one exchange")
	}
}

func TestRun_DegradedWithoutThought(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{{text: `{"tool": "getLatestReading", "parameters": {"sensor": 1, "parameter": "co2"}}`}}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{MaxIterations: 2})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Answer != prompts.DegradedPrefix+prompts.DegradedFallback {
		t.Errorf("Answer = %q", resp.Answer)
	}
}

func TestRun_RequestOverridesMaxIterations(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{{text: "not a valid response"}}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{MaxIterations: 10})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q", MaxIterations: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.calls() != 3 || resp.Iterations != 3 {
		t.Errorf("calls = %d, iterations = %d, want 3", gw.calls(), resp.Iterations)
	}
}

func TestRun_RepetitionSuppression(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{
		{text: co2Action},
		{text: co2Action},
		{text: "Thought: try again\nAction: brokenTool"},
		{text: "Final Answer: done"},
	}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "CO2?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusAnswered {
		t.Fatalf("Status = %q", resp.Status)
	}
	if len(resp.ToolCalls) != 3 {
		t.Errorf("len(ToolCalls) = %d, want 3 (the repeated call still runs)", len(resp.ToolCalls))
	}

	offered := func(i int) bool {
		return strings.Contains(gw.prompts[i].System, "- getLatestReading:")
	}
	// Prompts 1 and 2 offer the tool. After the consecutive repeat in
	// iteration 2, prompt 3 hides it, and prompt 4 offers it again.
	for i, want := range []bool{true, true, false, true} {
		if got := offered(i); got != want {
			t.Errorf("prompt %d offers getLatestReading = %v, want %v", i+1, got, want)
		}
	}
}

func TestRun_NoSuppressionAfterFailure(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{
		{text: "Action: brokenTool"},
		{text: "Action: brokenTool"},
		{text: "Final Answer: gave up"},
	}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{})

	if _, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(gw.prompts[2].System, "- brokenTool:") {
		t.Error("failed calls should not hide the tool")
	}
}

func TestRun_ToolErrorRecovery(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{
		{text: "Thought: use the broken one\nAction: brokenTool"},
		{text: `Action: {"tool": "noSuchTool", "parameters": {}}`},
		{text: `Action: {"tool": "getLatestReading", "parameters": {"sensor": "x"}}`},
		{text: "Final Answer: The sensors are not responding."},
	}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusAnswered {
		t.Errorf("Status = %q, want answered", resp.Status)
	}

	trace := gw.prompts[3].User
	for _, want := range []string{"Observation:", "noSuchTool", "getLatestReading("} {
		if !strings.Contains(trace, want) {
			t.Errorf("trace missing %q:\n%s", want, trace)
		}
	}
	if strings.Contains(trace, "database is locked") {
		t.Errorf("raw handler error leaked into the trace:\n%s", trace)
	}
}

func TestRun_UnparseableCountsTowardBudget(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{
		{text: "I think maybe the air is fine?"},
		{text: "Final Answer: The air is fine."},
	}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", resp.Iterations)
	}
	if !strings.Contains(gw.prompts[1].User, prompts.UnparseableObservation) {
		t.Error("corrective observation missing from second prompt")
	}
}

func TestRun_GatewayFailures(t *testing.T) {
	timeout := &llm.GatewayError{Provider: "test", Kind: llm.KindTimeout, Err: context.DeadlineExceeded}
	quota := &llm.GatewayError{Provider: "test", Kind: llm.KindQuota, Err: errors.New("429")}

	t.Run("two consecutive failures", func(t *testing.T) {
		gw := &scriptedGateway{replies: []reply{{err: timeout}, {err: quota}, {text: "Final Answer: never"}}}
		mem := newFakeMemory()
		col := metrics.New()
		loop := newTestLoop(t, gw, mem, Config{})
		loop.SetMetrics(col)

		resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if resp.Status != StatusUnavailable || resp.Answer != prompts.UnavailableAnswer {
			t.Errorf("resp = %+v", resp)
		}
		if gw.calls() != 2 {
			t.Errorf("calls = %d, want 2", gw.calls())
		}
		if len(mem.Recent("u1")) != 0 {
			t.Error("unavailable run must not commit turns")
		}
	})

	t.Run("single failure recovers", func(t *testing.T) {
		gw := &scriptedGateway{replies: []reply{{err: timeout}, {text: "Final Answer: fine"}}}
		loop := newTestLoop(t, gw, newFakeMemory(), Config{})

		resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if resp.Status != StatusAnswered || resp.Iterations != 2 {
			t.Errorf("resp = %+v", resp)
		}
		if !strings.Contains(gw.prompts[1].User, prompts.GatewayFailureObservation("timeout")) {
			t.Error("failure observation missing from retry prompt")
		}
	})

	t.Run("failures must be consecutive", func(t *testing.T) {
		gw := &scriptedGateway{replies: []reply{
			{err: timeout},
			{text: co2Action},
			{err: quota},
			{text: "Final Answer: ok"},
		}}
		loop := newTestLoop(t, gw, newFakeMemory(), Config{})

		resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "q"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if resp.Status != StatusAnswered {
			t.Errorf("Status = %q, want answered", resp.Status)
		}
	})
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := &scriptedGateway{
		replies: []reply{{text: co2Action}},
		onSend: func(call int) {
			if call == 2 {
				cancel()
			}
		},
	}
	mem := newFakeMemory()
	loop := newTestLoop(t, gw, mem, Config{})

	resp, err := loop.Run(ctx, &Request{UserID: "u1", Message: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", resp.Status)
	}
	if gw.calls() != 2 {
		t.Errorf("calls = %d, want 2", gw.calls())
	}
	if len(resp.ToolCalls) != 2 {
		t.Errorf("tool call in flight at cancellation should complete; got %d calls", len(resp.ToolCalls))
	}
	if len(mem.Recent("u1")) != 0 {
		t.Error("cancelled run must not commit turns")
	}
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &scriptedGateway{replies: []reply{{text: "Final Answer: x"}}}
	loop := newTestLoop(t, gw, newFakeMemory(), Config{})

	resp, err := loop.Run(ctx, &Request{UserID: "u1", Message: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusCancelled || gw.calls() != 0 {
		t.Errorf("status = %q, calls = %d", resp.Status, gw.calls())
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	loop := newTestLoop(t, &scriptedGateway{replies: []reply{{text: "Final Answer: x"}}}, newFakeMemory(), Config{})

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil", nil},
		{"no user", &Request{Message: "hi"}},
		{"blank message", &Request{UserID: "u1", Message: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loop.Run(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestRun_CommitFailure(t *testing.T) {
	mem := newFakeMemory()
	mem.failErr = errors.New("disk full")
	gw := &scriptedGateway{replies: []reply{{text: "Final Answer: hello"}}}
	loop := newTestLoop(t, gw, mem, Config{})

	resp, err := loop.Run(context.Background(), &Request{UserID: "u1", Message: "hi"})
	if err == nil {
		t.Fatal("expected commit error")
	}
	if resp == nil || resp.Answer != "hello" {
		t.Errorf("response should still carry the answer, got %+v", resp)
	}
}

func TestRun_ConcurrentUsers(t *testing.T) {
	gw := &scriptedGateway{replies: []reply{{text: "Final Answer: ok"}}}
	mem := newFakeMemory()
	loop := newTestLoop(t, gw, mem, Config{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			if _, err := loop.Run(context.Background(), &Request{UserID: user, Message: "hi"}); err != nil {
				t.Errorf("Run(%s): %v", user, err)
			}
		}()
	}
	wg.Wait()

	for i := range 8 {
		if n := len(mem.Recent(fmt.Sprintf("user-%d", i))); n != 2 {
			t.Errorf("user-%d has %d turns, want 2", i, n)
		}
	}
}
