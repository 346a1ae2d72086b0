// Package openai streams chat completions from any OpenAI-compatible
// endpoint over raw HTTP server-sent events.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvoss/chatstream/stream"
)

// Config locates the upstream endpoint.
type Config struct {
	BaseURL    string // e.g. https://api.openai.com/v1
	APIKey     string
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// Client implements stream.Provider against an OpenAI-compatible
// chat completions API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// New builds a Client. The HTTP client defaults to a 5 minute timeout to
// cover the whole stream.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
		log:     cfg.Log,
	}
}

/*
====================================
WIRE TYPES
====================================
*/

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
	Tools     []toolSpec    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int          `json:"index"`
				ID       string       `json:"id"`
				Function wireFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

/*
====================================
STREAMING
====================================
*/

// Stream implements stream.Provider. It POSTs a streaming chat completion
// request, emits text and reasoning deltas as they arrive, and folds tool
// call fragments into the returned Completion.
func (c *Client) Stream(ctx context.Context, req stream.Request, emit func(stream.Event) error) (*stream.Completion, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return c.consume(resp.Body, emit)
}

func (c *Client) buildRequest(req stream.Request) chatRequest {
	out := chatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, call := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   call.ID,
				Type: "function",
				Function: wireFunction{
					Name:      call.Name,
					Arguments: string(call.Args),
				},
			})
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, toolSpec{
			Type: "function",
			Function: toolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *Client) consume(body io.Reader, emit func(stream.Event) error) (*stream.Completion, error) {
	comp := &stream.Completion{}
	calls := make(map[int]*partialCall)

	var text, reasoning strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ch chunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			c.log.Warn().Err(err).Msg("unparsable stream chunk dropped")
			continue
		}
		if len(ch.Choices) == 0 {
			continue
		}
		choice := ch.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if err := emit(stream.Event{Type: stream.EventTextDelta, Delta: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}
		if choice.Delta.ReasoningContent != "" {
			reasoning.WriteString(choice.Delta.ReasoningContent)
			if err := emit(stream.Event{Type: stream.EventReasoningDelta, Delta: choice.Delta.ReasoningContent}); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc := calls[tc.Index]
			if pc == nil {
				pc = &partialCall{}
				calls[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			comp.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("upstream stream read: %w", err)
	}

	comp.Text = text.String()
	comp.Reasoning = reasoning.String()

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		pc := calls[i]
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		comp.ToolCalls = append(comp.ToolCalls, stream.ToolCall{
			ID:   pc.id,
			Name: pc.name,
			Args: json.RawMessage(args),
		})
	}
	return comp, nil
}
