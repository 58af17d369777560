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
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	// anthropicTruncation is the stop reason Anthropic reports when the
	// response hit max_tokens.
	anthropicTruncation = "max_tokens"
)

// AnthropicAdapter speaks the Anthropic Messages streaming protocol:
// typed events describing content-block lifecycles keyed by block index,
// closed by an explicit message_stop event rather than a data sentinel.
type AnthropicAdapter struct {
	settings
}

// NewAnthropic builds an adapter for the Anthropic Messages API.
func NewAnthropic(id string, cfg types.ProviderConfig, client *transport.Client) *AnthropicAdapter {
	s := newSettings(id, cfg, client)
	if s.baseURL == "" {
		s.baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicAdapter{settings: s}
}

func (p *AnthropicAdapter) ID() string                 { return p.id }
func (p *AnthropicAdapter) Name() string               { return "Anthropic" }
func (p *AnthropicAdapter) TruncationSentinel() string { return anthropicTruncation }

// Wire shapes. Field names follow the vendor protocol exactly.

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
}

func (p *AnthropicAdapter) buildBody(req *Request) ([]byte, error) {
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleTool:
			msgs = append(msgs, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case types.RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.RawArguments()),
				})
			}
			msgs = append(msgs, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			msgs = append(msgs, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	body := anthropicRequest{
		Model:       p.modelFor(req),
		System:      req.System,
		Messages:    msgs,
		MaxTokens:   p.maxTokensFor(req),
		Stream:      true,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return json.Marshal(body)
}

// Stream implements Adapter.
func (p *AnthropicAdapter) Stream(ctx context.Context, req *Request, seed *toolcall.Tracker, onChunk types.ChunkHandler) (*RoundResult, error) {
	payload, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("x-api-key", p.apiKey)
	header.Set("anthropic-version", anthropicVersion)
	header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(p.baseURL, "/") + "/v1/messages",
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
	sc := stream.NewScanner(resp.Body, "")
	defer sc.Close()

	tracker := seedOrNew(seed)
	states := textStates{}
	// blockTypes remembers each open block's kind so deltas can be routed
	// without re-reading the start event.
	blockTypes := map[int]string{}
	var content strings.Builder
	finish := ""

decode:
	for {
		data, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Debug().Err(err).Msg("skipping malformed stream event")
			continue
		}

		switch ev.Type {
		case "content_block_start":
			blockTypes[ev.Index] = ev.ContentBlock.Type
			if ev.ContentBlock.Type == "tool_use" {
				tracker.Apply(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name, "")
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					content.WriteString(ev.Delta.Text)
					onChunk(ev.Delta.Text, false, false, nil)
				}
			case "thinking_delta":
				if ev.Delta.Thinking != "" {
					onChunk(ev.Delta.Thinking, false, true, nil)
				}
			case "input_json_delta":
				if blockTypes[ev.Index] != "tool_use" {
					continue
				}
				e := tracker.Apply(ev.Index, "", "", ev.Delta.PartialJSON)
				p.streamToolText(states, e, onChunk)
			}

		case "content_block_stop":
			delete(blockTypes, ev.Index)

		case "message_delta":
			if ev.Delta.StopReason != "" {
				finish = ev.Delta.StopReason
			}

		case "message_stop":
			// Logical end of stream; close without waiting for the server
			// to drop the connection.
			break decode
		}
	}

	onChunk("", true, false, nil)
	return &RoundResult{Content: content.String(), Calls: tracker, FinishReason: finish}, nil
}
