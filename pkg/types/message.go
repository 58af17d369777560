package types

import "encoding/json"

// Role identifies who authored a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation in canonical form. Provider
// adapters translate it into whatever shape the vendor wire expects.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Assistant-specific: tool calls the model requested in this turn.
	ToolCalls []ToolCallRequest `json:"toolCalls,omitempty"`

	// Tool-specific: ties a tool result back to the call that produced it.
	ToolCallID string `json:"toolCallID,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolDefinition describes one tool offered to the model. Parameters is a
// JSON Schema object passed through to the provider untouched.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// SystemMessage is a convenience constructor for a system turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage is a convenience constructor for a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage is a convenience constructor for an assistant turn.
func AssistantMessage(content string, calls []ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage is a convenience constructor for a tool-result turn.
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}
