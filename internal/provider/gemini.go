package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/funkpopo/writebot-sub002/internal/logging"
	"github.com/funkpopo/writebot-sub002/internal/stream"
	"github.com/funkpopo/writebot-sub002/internal/toolcall"
	"github.com/funkpopo/writebot-sub002/internal/transport"
	"github.com/funkpopo/writebot-sub002/pkg/types"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// geminiTruncation is the finish reason Gemini reports when the
	// candidate stopped at the output-token limit.
	geminiTruncation = "MAX_TOKENS"
)

// GeminiAdapter speaks the Gemini streamGenerateContent protocol:
// candidates carrying content parts, where function calls arrive as whole
// objects rather than argument fragments and carry no call identifiers.
type GeminiAdapter struct {
	settings
}

// NewGemini builds an adapter for the Gemini generative-language API.
func NewGemini(id string, cfg types.ProviderConfig, client *transport.Client) *GeminiAdapter {
	s := newSettings(id, cfg, client)
	if s.baseURL == "" {
		s.baseURL = geminiDefaultBaseURL
	}
	return &GeminiAdapter{settings: s}
}

func (p *GeminiAdapter) ID() string                 { return p.id }
func (p *GeminiAdapter) Name() string               { return "Gemini" }
func (p *GeminiAdapter) TruncationSentinel() string { return geminiTruncation }

// Wire shapes. Field names follow the vendor protocol exactly.

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string             `json:"text,omitempty"`
	Thought          bool               `json:"thought,omitempty"`
	FunctionCall     *geminiFnCall      `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResponse  `json:"functionResponse,omitempty"`
}

type geminiFnCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFnResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFnDecl `json:"functionDeclarations"`
}

type geminiFnDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (p *GeminiAdapter) buildBody(req *Request) ([]byte, error) {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleAssistant:
			parts := []geminiPart{}
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFnCall{
					Name: tc.Name,
					Args: json.RawMessage(tc.RawArguments()),
				}})
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})
		case types.RoleTool:
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFnResponse{
					Name:     m.Name,
					Response: map[string]any{"result": m.Content},
				}}},
			})
		default:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}

	body := geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: p.maxTokensFor(req),
			Temperature:     req.Temperature,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFnDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFnDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		body.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return json.Marshal(body)
}

func (p *GeminiAdapter) endpoint(req *Request) string {
	return strings.TrimRight(p.baseURL, "/") + "/models/" + p.modelFor(req) +
		":streamGenerateContent?alt=sse&key=" + url.QueryEscape(p.apiKey)
}

// Stream implements Adapter.
func (p *GeminiAdapter) Stream(ctx context.Context, req *Request, seed *toolcall.Tracker, onChunk types.ChunkHandler) (*RoundResult, error) {
	payload, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    p.endpoint(req),
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
	// Gemini carries no call indexes or ids; calls take sequential slots
	// after any seeded entries.
	nextSlot := tracker.Len()
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

		var chunk geminiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debug().Err(err).Msg("skipping malformed stream event")
			continue
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					if part.Thought {
						onChunk(part.Text, false, true, nil)
					} else {
						content.WriteString(part.Text)
						onChunk(part.Text, false, false, nil)
					}
				}
				if part.FunctionCall != nil {
					args := string(part.FunctionCall.Args)
					if args == "" {
						args = "{}"
					}
					e := tracker.Apply(nextSlot, "", part.FunctionCall.Name, args)
					nextSlot++
					p.streamToolText(states, e, onChunk)
				}
			}
			if cand.FinishReason != "" {
				finish = cand.FinishReason
			}
		}
	}

	onChunk("", true, false, nil)
	return &RoundResult{Content: content.String(), Calls: tracker, FinishReason: finish}, nil
}
