// Package claudecode provides types and a stream parser for the Claude Code
// CLI stream-json protocol. The CLI emits one JSON object per stdout line and
// accepts user messages as JSON lines on stdin.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the terminal message for a prompt
	MessageTypeResult = "result"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
)

// System message subtypes
const (
	SubtypeInit = "init"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result)
	Type string `json:"type"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For result messages
	// Result can be either a string (error message) or an object
	Result        json.RawMessage            `json:"result,omitempty"`
	CostUSD       float64                    `json:"total_cost_usd,omitempty"`
	DurationMS    int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS int64                      `json:"duration_api_ms,omitempty"`
	IsError       bool                       `json:"is_error,omitempty"`
	NumTurns      int                        `json:"num_turns,omitempty"`
	Usage         *Usage                     `json:"usage,omitempty"`
	ModelUsage    map[string]ModelUsageStats `json:"modelUsage,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats contains per-model usage statistics from the result message.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"contextWindow,omitempty"`
}

// GetResultString returns the Result field as a string when it holds one.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is sent on stdin to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content blocks.
type UserMessageBody struct {
	Role    string         `json:"role"` // "user"
	Content []ContentBlock `json:"content"`
}

// NewUserMessage builds a single-text-block user message.
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role: "user",
			Content: []ContentBlock{
				{Type: "text", Text: text},
			},
		},
	}
}
