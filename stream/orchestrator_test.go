package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	steps []func(req Request, emit func(Event) error) (*Completion, error)
	gate  chan struct{}
}

func (p *scriptedProvider) Stream(_ context.Context, req Request, emit func(Event) error) (*Completion, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.mu.Unlock()
	if i >= len(p.steps) {
		return nil, errors.New("scripted provider exhausted")
	}
	return p.steps[i](req, emit)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type memPersister struct {
	mu         sync.Mutex
	streamErr  error
	streams    map[string]string
	saves      int
	savedChat  string
	savedParts []Part
}

func newMemPersister() *memPersister {
	return &memPersister{streams: make(map[string]string)}
}

func (m *memPersister) CreateStream(streamID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamErr != nil {
		return m.streamErr
	}
	m.streams[streamID] = chatID
	return nil
}

func (m *memPersister) SaveAssistantMessage(chatID, _ string, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.savedChat = chatID
	m.savedParts = parts
	return nil
}

func (m *memPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// echoTool returns its arguments and records the acting subject.
type echoTool struct {
	mu      sync.Mutex
	subject string
}

func (e *echoTool) Name() string                { return "echo" }
func (e *echoTool) Description() string         { return "echo the arguments back" }
func (e *echoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	e.subject = SubjectFromContext(ctx)
	e.mu.Unlock()
	return args, nil
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestToolLoopAndTranscript(t *testing.T) {
	provider := &scriptedProvider{
		gate: make(chan struct{}),
		steps: []func(Request, func(Event) error) (*Completion, error){
			func(_ Request, emit func(Event) error) (*Completion, error) {
				_ = emit(Event{Type: EventTextDelta, Delta: "Hel"})
				_ = emit(Event{Type: EventTextDelta, Delta: "lo"})
				return &Completion{
					Text: "Hello",
					ToolCalls: []ToolCall{{
						ID:   "c1",
						Name: "echo",
						Args: json.RawMessage(`{"q":"x"}`),
					}},
					FinishReason: "tool_calls",
				}, nil
			},
			func(req Request, emit func(Event) error) (*Completion, error) {
				// The tool result must have been fed back as a tool turn.
				last := req.Messages[len(req.Messages)-1]
				if last.Role != "tool" || last.ToolCallID != "c1" {
					return nil, errors.New("tool result not fed back")
				}
				_ = emit(Event{Type: EventTextDelta, Delta: "done"})
				return &Completion{Text: "done", FinishReason: "stop"}, nil
			},
		},
	}
	persist := newMemPersister()
	tool := &echoTool{}
	broker := NewBroker(BrokerConfig{Log: zerolog.Nop()})
	o := NewOrchestrator(provider, broker, persist, []Tool{tool}, nil,
		OrchestratorConfig{MaxSteps: 5, MaxWallClock: 5 * time.Second}, zerolog.Nop())

	streamID, err := o.Run(context.Background(), RunRequest{
		ChatID:    "chat-1",
		SubjectID: "u-1",
		Model:     "m-1",
		History:   []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if persist.streams[streamID] != "chat-1" {
		t.Fatal("stream row missing before events flow")
	}

	ch, err := broker.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatal(err)
	}
	close(provider.gate)

	events := collect(t, ch)
	want := []EventType{
		EventTextDelta, EventTextDelta,
		EventToolCall, EventToolResult,
		EventTextDelta, EventFinish,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types %v, want %v", got, want)
		}
	}
	if events[len(events)-1].Reason != "stop" {
		t.Fatalf("finish reason %q, want stop", events[len(events)-1].Reason)
	}
	if string(events[3].Result) != `{"q":"x"}` {
		t.Fatalf("tool result %s", events[3].Result)
	}
	if tool.subject != "u-1" {
		t.Fatalf("tool saw subject %q, want u-1", tool.subject)
	}

	if persist.saveCount() != 1 {
		t.Fatalf("transcript saved %d times, want 1", persist.saveCount())
	}
	wantParts := []string{"text", "tool-call", "tool-result", "text"}
	if len(persist.savedParts) != len(wantParts) {
		t.Fatalf("saved parts %+v", persist.savedParts)
	}
	for i, p := range persist.savedParts {
		if p.Type != wantParts[i] {
			t.Fatalf("part %d type %q, want %q", i, p.Type, wantParts[i])
		}
	}
	if persist.savedParts[0].Text != "Hello" || persist.savedParts[3].Text != "done" {
		t.Fatalf("folded text wrong: %+v", persist.savedParts)
	}
}

func TestProviderFailureEmitsGenericTerminal(t *testing.T) {
	provider := &scriptedProvider{
		gate: make(chan struct{}),
		steps: []func(Request, func(Event) error) (*Completion, error){
			func(_ Request, emit func(Event) error) (*Completion, error) {
				_ = emit(Event{Type: EventTextDelta, Delta: "par"})
				return nil, errors.New("upstream 502: secret internal detail")
			},
		},
	}
	persist := newMemPersister()
	broker := NewBroker(BrokerConfig{Log: zerolog.Nop()})
	o := NewOrchestrator(provider, broker, persist, nil, nil,
		OrchestratorConfig{MaxSteps: 5, MaxWallClock: 5 * time.Second}, zerolog.Nop())

	streamID, err := o.Run(context.Background(), RunRequest{ChatID: "chat-1", Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := broker.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatal(err)
	}
	close(provider.gate)

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event %+v, want error", last)
	}
	if last.Message != "generation failed" {
		t.Fatalf("error message %q leaks upstream detail", last.Message)
	}
	if persist.saveCount() != 0 {
		t.Fatal("failed generation must not persist a transcript")
	}
}

func TestStepBudget(t *testing.T) {
	loop := func(_ Request, _ func(Event) error) (*Completion, error) {
		return &Completion{ToolCalls: []ToolCall{{ID: "c", Name: "echo", Args: json.RawMessage(`{}`)}}}, nil
	}
	provider := &scriptedProvider{
		gate:  make(chan struct{}),
		steps: []func(Request, func(Event) error) (*Completion, error){loop, loop, loop, loop},
	}
	persist := newMemPersister()
	broker := NewBroker(BrokerConfig{Log: zerolog.Nop()})
	o := NewOrchestrator(provider, broker, persist, []Tool{&echoTool{}}, nil,
		OrchestratorConfig{MaxSteps: 2, MaxWallClock: 5 * time.Second}, zerolog.Nop())

	streamID, err := o.Run(context.Background(), RunRequest{ChatID: "chat-1", Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := broker.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatal(err)
	}
	close(provider.gate)

	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != EventFinish || last.Reason != "max-steps" {
		t.Fatalf("terminal event %+v, want finish/max-steps", last)
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.callCount())
	}
	if persist.saveCount() != 1 {
		t.Fatalf("transcript saved %d times, want 1", persist.saveCount())
	}
}

func TestCreateStreamFailureAborts(t *testing.T) {
	persist := newMemPersister()
	persist.streamErr = errors.New("db down")
	broker := NewBroker(BrokerConfig{Log: zerolog.Nop()})
	o := NewOrchestrator(&scriptedProvider{}, broker, persist, nil, nil,
		OrchestratorConfig{}, zerolog.Nop())

	if _, err := o.Run(context.Background(), RunRequest{ChatID: "chat-1"}); err == nil {
		t.Fatal("expected stream registration failure to abort the run")
	}
}

func TestDurableExactlyOnceWithTwoConsumers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker := NewBroker(BrokerConfig{Redis: client, TTL: time.Minute, Log: zerolog.Nop()})

	provider := &scriptedProvider{
		steps: []func(Request, func(Event) error) (*Completion, error){
			func(_ Request, emit func(Event) error) (*Completion, error) {
				_ = emit(Event{Type: EventTextDelta, Delta: "hi"})
				return &Completion{Text: "hi", FinishReason: "stop"}, nil
			},
		},
	}
	persist := newMemPersister()
	o := NewOrchestrator(provider, broker, persist, nil, nil,
		OrchestratorConfig{MaxSteps: 5, MaxWallClock: 5 * time.Second}, zerolog.Nop())

	// The requesting context dies immediately; durable generation continues.
	reqCtx, cancel := context.WithCancel(context.Background())
	streamID, err := o.Run(reqCtx, RunRequest{ChatID: "chat-1", Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	ch1, err := broker.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatal(err)
	}
	ch2, err := broker.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatal(err)
	}
	ev1 := collect(t, ch1)
	ev2 := collect(t, ch2)
	if len(ev1) != 2 || len(ev2) != 2 {
		t.Fatalf("consumers saw %d and %d events, want 2 each", len(ev1), len(ev2))
	}
	if persist.saveCount() != 1 {
		t.Fatalf("transcript saved %d times, want 1", persist.saveCount())
	}
}

// stallingProvider blocks until its context dies, like an upstream that
// stops responding mid-generation.
type stallingProvider struct{}

func (stallingProvider) Stream(ctx context.Context, _ Request, _ func(Event) error) (*Completion, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWallClockTimeoutSealsDurableLog(t *testing.T) {
	broker, _ := newDurableBroker(t)
	persist := newMemPersister()
	o := NewOrchestrator(stallingProvider{}, broker, persist, nil, nil,
		OrchestratorConfig{MaxSteps: 5, MaxWallClock: 50 * time.Millisecond}, zerolog.Nop())

	streamID, err := o.Run(context.Background(), RunRequest{ChatID: "chat-1", Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := broker.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatal(err)
	}

	// The cap cancels the generation context, yet the terminal event must
	// still reach the durable buffer so consumers are released.
	events := collect(t, ch)
	if len(events) == 0 {
		t.Fatal("no events after wall-clock timeout")
	}
	last := events[len(events)-1]
	if last.Type != EventError || last.Message != "generation failed" {
		t.Fatalf("terminal event %+v, want generic error", last)
	}
}

func TestProviderFailurePersistsEarlierSteps(t *testing.T) {
	provider := &scriptedProvider{
		steps: []func(Request, func(Event) error) (*Completion, error){
			func(_ Request, emit func(Event) error) (*Completion, error) {
				_ = emit(Event{Type: EventTextDelta, Delta: "Hello"})
				return &Completion{
					Text:         "Hello",
					ToolCalls:    []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)}},
					FinishReason: "tool_calls",
				}, nil
			},
			func(_ Request, _ func(Event) error) (*Completion, error) {
				return nil, errors.New("upstream gone")
			},
		},
	}
	persist := newMemPersister()
	broker, _ := newDurableBroker(t)
	o := NewOrchestrator(provider, broker, persist, []Tool{&echoTool{}}, nil,
		OrchestratorConfig{MaxSteps: 5, MaxWallClock: 5 * time.Second}, zerolog.Nop())

	streamID, err := o.Run(context.Background(), RunRequest{ChatID: "chat-1", Model: "m-1"})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := broker.Subscribe(context.Background(), streamID)
	if err != nil {
		t.Fatal(err)
	}

	events := collect(t, ch)
	if events[len(events)-1].Type != EventError {
		t.Fatalf("terminal event %+v, want error", events[len(events)-1])
	}

	// The completed first step survives the second step's failure.
	if persist.saveCount() != 1 {
		t.Fatalf("transcript saved %d times, want 1", persist.saveCount())
	}
	wantParts := []string{"text", "tool-call", "tool-result"}
	if len(persist.savedParts) != len(wantParts) {
		t.Fatalf("saved parts %+v", persist.savedParts)
	}
	for i, p := range persist.savedParts {
		if p.Type != wantParts[i] {
			t.Fatalf("part %d type %q, want %q", i, p.Type, wantParts[i])
		}
	}
}
