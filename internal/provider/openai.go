package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/funkpopo/writebot-sub002/internal/logging"
	"github.com/funkpopo/writebot-sub002/internal/stream"
	"github.com/funkpopo/writebot-sub002/internal/toolcall"
	"github.com/funkpopo/writebot-sub002/internal/transport"
	"github.com/funkpopo/writebot-sub002/pkg/types"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDoneToken      = "[DONE]"
	// openAITruncation is the finish reason OpenAI-compatible endpoints
	// report when output stopped at the token limit.
	openAITruncation = "length"
)

// OpenAIAdapter speaks the OpenAI-compatible chat-completions streaming
// protocol: one `data:` line per chunk carrying choices[].delta, terminated
// by the literal [DONE] sentinel.
type OpenAIAdapter struct {
	settings
}

// NewOpenAI builds an adapter for an OpenAI-compatible endpoint.
func NewOpenAI(id string, cfg types.ProviderConfig, client *transport.Client) *OpenAIAdapter {
	s := newSettings(id, cfg, client)
	if s.baseURL == "" {
		s.baseURL = openAIDefaultBaseURL
	}
	return &OpenAIAdapter{settings: s}
}

func (p *OpenAIAdapter) ID() string                 { return p.id }
func (p *OpenAIAdapter) Name() string               { return "OpenAI" }
func (p *OpenAIAdapter) TruncationSentinel() string { return openAITruncation }

// Wire shapes. Field names follow the vendor protocol exactly.

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string           `json:"type"`
	Function openAIToolSchema `json:"function"`
}

type openAIToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int            `json:"index"`
				ID       string         `json:"id"`
				Function openAIFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAIAdapter) buildBody(req *Request) ([]byte, error) {
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		om := openAIMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunction{
					Name:      tc.Name,
					Arguments: tc.RawArguments(),
				},
			})
		}
		if m.Role == types.RoleTool {
			om.ToolCallID = m.ToolCallID
			om.Name = m.Name
		}
		msgs = append(msgs, om)
	}

	body := openAIRequest{
		Model:       p.modelFor(req),
		Messages:    msgs,
		Stream:      true,
		MaxTokens:   p.maxTokensFor(req),
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type: "function",
			Function: openAIToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return json.Marshal(body)
}

// Stream implements Adapter.
func (p *OpenAIAdapter) Stream(ctx context.Context, req *Request, seed *toolcall.Tracker, onChunk types.ChunkHandler) (*RoundResult, error) {
	payload, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+p.apiKey)
	header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(p.baseURL, "/") + "/chat/completions",
		Header: header,
		Body:   payload,
	}, p.retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, transport.NewStatusError(p.Name(), resp.StatusCode, raw)
	}

	log := logging.ForComponent("provider." + p.id)
	sc := stream.NewScanner(resp.Body, openAIDoneToken)
	defer sc.Close()

	tracker := seedOrNew(seed)
	states := textStates{}
	var content strings.Builder
	finish := ""

	for {
		data, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debug().Err(err).Msg("skipping malformed stream event")
			continue
		}

		for _, choice := range chunk.Choices {
			d := choice.Delta
			if d.Content != "" {
				content.WriteString(d.Content)
				onChunk(d.Content, false, false, nil)
			}
			if d.ReasoningContent != "" {
				onChunk(d.ReasoningContent, false, true, nil)
			}
			for _, tc := range d.ToolCalls {
				e := tracker.Apply(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
				p.streamToolText(states, e, onChunk)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finish = *choice.FinishReason
			}
		}
	}

	onChunk("", true, false, nil)
	return &RoundResult{Content: content.String(), Calls: tracker, FinishReason: finish}, nil
}
