// Package codex provides types and a stream parser for the Codex CLI
// protocol stream (`codex proto`). The CLI exchanges JSONL: submissions go
// in on stdin, events come out on stdout.
package codex

// Event message types from the Codex protocol stream.
const (
	EventSessionConfigured = "session_configured"
	EventAgentMessage      = "agent_message"
	EventAgentMessageDelta = "agent_message_delta"
	EventAgentReasoning    = "agent_reasoning"
	EventExecCommandBegin  = "exec_command_begin"
	EventExecCommandEnd    = "exec_command_end"
	EventTaskStarted       = "task_started"
	EventTaskComplete      = "task_complete"
	EventTokenCount        = "token_count"
	EventError             = "error"
)

// Submission op types sent to the Codex protocol stream.
const (
	OpUserInput = "user_input"
	OpInterrupt = "interrupt"
)

// Event is one protocol event read from stdout. ID correlates the event
// with the submission that caused it.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the typed body of a protocol event.
type EventMsg struct {
	Type string `json:"type"`

	// For session_configured
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For agent_message / agent_message_delta / agent_reasoning
	Message string `json:"message,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Text    string `json:"text,omitempty"`

	// For exec_command_begin / exec_command_end
	Command  []string `json:"command,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`

	// For task_complete
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	// For token_count
	Usage *TokenUsage `json:"info,omitempty"`

	// For error
	ErrorMessage string `json:"error,omitempty"`
}

// TokenUsage carries cumulative token counts for the session.
type TokenUsage struct {
	TotalTokenUsage *TokenTotals `json:"total_token_usage,omitempty"`
	ContextWindow   *int64       `json:"model_context_window,omitempty"`
}

// TokenTotals breaks down token usage.
type TokenTotals struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens"`
	TotalTokens       int64 `json:"total_tokens,omitempty"`
}

// Submission is one JSONL line written to stdin.
type Submission struct {
	ID string       `json:"id"`
	Op SubmissionOp `json:"op"`
}

// SubmissionOp is the operation body of a submission.
type SubmissionOp struct {
	Type  string      `json:"type"`
	Items []InputItem `json:"items,omitempty"`
}

// InputItem is a single piece of user input.
type InputItem struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}
