package event

import "github.com/funkpopo/writebot-sub002/pkg/types"

// ChatDeltaData is the data for chat.delta events. Meta is nil for plain
// assistant text and set for tool-embedded text.
type ChatDeltaData struct {
	Text string           `json:"text"`
	Meta *types.ChunkMeta `json:"meta,omitempty"`
}

// ChatThinkingData is the data for chat.thinking events.
type ChatThinkingData struct {
	Text string `json:"text"`
}

// ChatToolCallsData is the data for chat.toolcalls events. Consumers must
// treat repeated delivery of the same call id as idempotent.
type ChatToolCallsData struct {
	Calls []types.ToolCallRequest `json:"calls"`
}

// ChatDoneData is the data for chat.done events.
type ChatDoneData struct {
	Content      string `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`
	Rounds       int    `json:"rounds"`
}

// ChatErrorData is the data for chat.error events.
type ChatErrorData struct {
	Error string `json:"error"`
}
