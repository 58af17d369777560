package types

import "encoding/json"

// RawArgumentsKey is the fallback key used when a tool call's raw argument
// string never became parseable JSON. Consumers receive the unparsed text
// under this key instead of losing it.
const RawArgumentsKey = "_raw"

// ToolCallRequest is the canonical, finalized unit delivered to callers: a
// stable id, a tool name and parsed JSON arguments. When the raw argument
// string is not parseable the arguments degrade to {RawArgumentsKey: raw}.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// RawArguments re-serializes the arguments for providers that expect the
// argument payload as a JSON string.
func (c ToolCallRequest) RawArguments() string {
	if raw, ok := c.Arguments[RawArgumentsKey].(string); ok && len(c.Arguments) == 1 {
		return raw
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ChunkKind tags what a streamed delta belongs to.
type ChunkKind string

const (
	// ChunkKindToolText marks text decoded live out of an in-flight tool
	// call's argument JSON, for UI correlation before the call completes.
	ChunkKindToolText ChunkKind = "tool_text"
)

// ChunkMeta carries correlation info for a streamed delta. A nil meta means
// plain assistant text.
type ChunkMeta struct {
	Kind       ChunkKind `json:"kind"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolCallID string    `json:"toolCallID,omitempty"`
}

// ChunkHandler receives streamed deltas. done is true exactly once, on the
// final empty callback. thinking marks reasoning-channel text. meta is nil
// for plain text.
type ChunkHandler func(text string, done bool, thinking bool, meta *ChunkMeta)

// ToolCallHandler receives finalized tool calls. It may fire multiple times
// per logical exchange; consumers must treat by-id delivery as mergeable.
type ToolCallHandler func(calls []ToolCallRequest)
