package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Persister is the storage surface the orchestrator needs. CreateStream is
// called before the first event of a stream is emitted; SaveAssistantMessage
// is called at most once per generation, with every part collected up to
// completion or failure.
type Persister interface {
	CreateStream(streamID, chatID string) error
	SaveAssistantMessage(chatID, messageID string, parts []Part) error
}

// OrchestratorConfig bounds a generation run.
type OrchestratorConfig struct {
	MaxSteps         int
	MaxWallClock     time.Duration
	DefaultMaxTokens int
}

// Orchestrator drives multi-step generations: it calls the provider, runs
// requested tools, feeds their results back, and repeats until the model
// stops or the step budget runs out. All output flows through the broker.
type Orchestrator struct {
	provider Provider
	broker   *Broker
	persist  Persister
	tools    map[string]Tool
	defs     []ToolDef
	pool     *ants.Pool
	cfg      OrchestratorConfig
	log      zerolog.Logger
}

// NewOrchestrator builds an Orchestrator. pool may be nil, in which case
// generations run on plain goroutines.
func NewOrchestrator(provider Provider, broker *Broker, persist Persister, tools []Tool, pool *ants.Pool, cfg OrchestratorConfig, log zerolog.Logger) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 5
	}
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = time.Minute
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 5000
	}
	byName := make(map[string]Tool, len(tools))
	defs := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
		defs = append(defs, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return &Orchestrator{
		provider: provider,
		broker:   broker,
		persist:  persist,
		tools:    byName,
		defs:     defs,
		pool:     pool,
		cfg:      cfg,
		log:      log,
	}
}

// RunRequest is one generation job.
type RunRequest struct {
	ChatID    string
	SubjectID string
	Model     string
	System    string
	History   []Message
	MaxTokens int
}

// Run registers a stream, starts the generation in the background, and
// returns the stream id the caller can subscribe to. With a durable broker
// the generation keeps running after the requesting context is cancelled, up
// to the wall-clock cap; without one it dies with the request.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	streamID := id.String()

	if err := o.persist.CreateStream(streamID, req.ChatID); err != nil {
		return "", err
	}
	w, err := o.broker.OpenWriter(ctx, streamID)
	if err != nil {
		return "", err
	}

	base := ctx
	if o.broker.Durable() {
		base = context.WithoutCancel(ctx)
	}
	genCtx, cancel := context.WithTimeout(base, o.cfg.MaxWallClock)
	genCtx = WithSubject(genCtx, req.SubjectID)

	run := func() {
		defer cancel()
		o.generate(genCtx, w, req)
	}
	if o.pool != nil {
		if err := o.pool.Submit(run); err != nil {
			cancel()
			_ = w.Emit(ctx, Event{Type: EventError, Message: "generation could not be scheduled"})
			return "", err
		}
	} else {
		go run()
	}
	return streamID, nil
}

func (o *Orchestrator) generate(ctx context.Context, w *Writer, req RunRequest) {
	log := o.log.With().
		Str("stream_id", w.StreamID()).
		Str("chat_id", req.ChatID).
		Str("model", req.Model).
		Logger()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.cfg.DefaultMaxTokens
	}

	msgs := make([]Message, 0, len(req.History)+2*o.cfg.MaxSteps)
	msgs = append(msgs, req.History...)

	// Terminal events and transcript persistence must go through even when
	// the wall-clock cap has already cancelled ctx, or consumers hang on a
	// log that never seals.
	flushCtx := context.WithoutCancel(ctx)

	var parts []Part
	for step := 0; step < o.cfg.MaxSteps; step++ {
		var text, reasoning strings.Builder
		emit := func(e Event) error {
			switch e.Type {
			case EventTextDelta:
				text.WriteString(e.Delta)
			case EventReasoningDelta:
				reasoning.WriteString(e.Delta)
			}
			return w.Emit(ctx, e)
		}

		comp, err := o.provider.Stream(ctx, Request{
			Model:     req.Model,
			System:    req.System,
			Messages:  msgs,
			Tools:     o.defs,
			MaxTokens: maxTokens,
		}, emit)
		if err != nil {
			log.Error().Err(err).Int("step", step).Msg("provider stream failed")
			o.saveTranscript(log, req.ChatID, parts)
			// Consumers get a generic terminal error, never upstream detail.
			if err := w.Emit(flushCtx, Event{Type: EventError, Message: "generation failed"}); err != nil {
				log.Error().Err(err).Msg("terminal error event not recorded")
			}
			return
		}

		if reasoning.Len() > 0 {
			parts = append(parts, Part{Type: "reasoning", Text: reasoning.String()})
		}
		if text.Len() > 0 {
			parts = append(parts, Part{Type: "text", Text: text.String()})
		}

		if len(comp.ToolCalls) == 0 {
			reason := comp.FinishReason
			if reason == "" {
				reason = "stop"
			}
			// Persist before the terminal event so a consumer that saw the
			// finish can rely on the transcript being durable.
			o.saveTranscript(log, req.ChatID, parts)
			_ = w.Emit(flushCtx, Event{Type: EventFinish, Reason: reason})
			return
		}

		msgs = append(msgs, Message{Role: "assistant", Content: comp.Text, ToolCalls: comp.ToolCalls})
		for _, call := range comp.ToolCalls {
			_ = w.Emit(ctx, Event{Type: EventToolCall, ToolCallID: call.ID, ToolName: call.Name, Args: call.Args})

			result := o.invoke(ctx, log, call)
			_ = w.Emit(ctx, Event{Type: EventToolResult, ToolCallID: call.ID, ToolName: call.Name, Result: result})

			parts = append(parts,
				Part{Type: "tool-call", ToolCallID: call.ID, ToolName: call.Name, Args: call.Args},
				Part{Type: "tool-result", ToolCallID: call.ID, ToolName: call.Name, Result: result},
			)
			msgs = append(msgs, Message{Role: "tool", ToolCallID: call.ID, Content: string(result)})
		}
	}

	o.saveTranscript(log, req.ChatID, parts)
	_ = w.Emit(flushCtx, Event{Type: EventFinish, Reason: "max-steps"})
}

func (o *Orchestrator) invoke(ctx context.Context, log zerolog.Logger, call ToolCall) json.RawMessage {
	tool, ok := o.tools[call.Name]
	if !ok {
		log.Warn().Str("tool", call.Name).Msg("unknown tool requested")
		return errResult("unknown tool")
	}
	result, err := tool.Invoke(ctx, call.Args)
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("tool failed")
		return errResult("tool execution failed")
	}
	return result
}

func (o *Orchestrator) saveTranscript(log zerolog.Logger, chatID string, parts []Part) {
	if len(parts) == 0 {
		return
	}
	id, err := uuid.NewRandom()
	if err != nil {
		log.Error().Err(err).Msg("transcript id generation failed")
		return
	}
	if err := o.persist.SaveAssistantMessage(chatID, id.String(), parts); err != nil {
		log.Error().Err(err).Msg("transcript persistence failed")
	}
}

func errResult(msg string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}
