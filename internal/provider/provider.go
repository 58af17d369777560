// Package provider contains the per-vendor stream adapters that map each
// provider's incremental wire protocol onto one canonical stream of
// text/thinking/tool-call deltas.
package provider

import (
	"context"
	"time"

	"github.com/funkpopo/writebot-sub002/internal/toolcall"
	"github.com/funkpopo/writebot-sub002/internal/transport"
	"github.com/funkpopo/writebot-sub002/pkg/types"
)

// Request is one canonical streaming completion request.
type Request struct {
	Model       string
	System      string
	Messages    []types.Message
	Tools       []types.ToolDefinition
	MaxTokens   int
	Temperature float64
}

// RoundResult is the outcome of one streaming request inside a
// continuation: the accumulated text, the tool-call tracker as it stood
// when the stream ended, and the provider's finish reason ("" if the
// stream ended without one).
type RoundResult struct {
	Content      string
	Calls        *toolcall.Tracker
	FinishReason string
}

// Adapter is one provider's streaming protocol mapping. Stream performs a
// single request round: it builds the vendor request body, decodes the
// chunked response, feeds tool-call fragments into the tracker (seeded
// from a previous round when continuing), and invokes onChunk per delta,
// terminating with exactly one empty done=true callback.
type Adapter interface {
	// ID is the provider identifier ("openai", "anthropic", "gemini" or a
	// configured alias).
	ID() string

	// Name is the human-readable provider name.
	Name() string

	// TruncationSentinel is the literal finish reason this vendor reports
	// when generation was cut short by the output-length limit.
	TruncationSentinel() string

	// Stream runs one request round. seed may be nil for the first round.
	Stream(ctx context.Context, req *Request, seed *toolcall.Tracker, onChunk types.ChunkHandler) (*RoundResult, error)
}

// settings is the per-adapter configuration shared by all three vendors.
type settings struct {
	id        string
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *transport.Client
	retry     transport.Options
	// textStreamTools gates the incremental text-field extractor.
	textStreamTools map[string]bool
}

func newSettings(id string, cfg types.ProviderConfig, client *transport.Client) settings {
	retry := transport.DefaultOptions()
	if cfg.TimeoutMs != nil {
		retry.Timeout = time.Duration(*cfg.TimeoutMs) * time.Millisecond
		if *cfg.TimeoutMs <= 0 {
			// 0 means no per-attempt deadline; the transport treats
			// negative as disabled.
			retry.Timeout = -1
		}
	}
	return settings{
		id:              id,
		apiKey:          cfg.APIKey,
		baseURL:         cfg.BaseURL,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		client:          client,
		retry:           retry,
		textStreamTools: toolcall.DefaultTextStreamTools,
	}
}

func (s settings) modelFor(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return s.model
}

func (s settings) maxTokensFor(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if s.maxTokens > 0 {
		return s.maxTokens
	}
	return 4096
}

// seedOrNew returns the tracker a round starts from.
func seedOrNew(seed *toolcall.Tracker) *toolcall.Tracker {
	if seed != nil {
		return seed
	}
	return toolcall.NewTracker()
}

// textStates holds per-entry extractor progress within one decode loop.
type textStates map[*toolcall.Entry]toolcall.TextStreamState

// streamToolText routes newly appended argument bytes of an allow-listed
// tool through the extractor and surfaces the decoded delta with tool_text
// metadata.
func (s settings) streamToolText(states textStates, e *toolcall.Entry, onChunk types.ChunkHandler) {
	if e.Name == "" || !s.textStreamTools[e.Name] {
		return
	}
	st := states[e]
	delta, st := toolcall.ExtractTextDelta(st, e.RawArguments)
	states[e] = st
	if delta == "" {
		return
	}
	onChunk(delta, false, false, &types.ChunkMeta{
		Kind:       types.ChunkKindToolText,
		ToolName:   e.Name,
		ToolCallID: e.Request().ID,
	})
}
