package agent

// Event is a structured event extracted from an agent child's output stream.
// Parsers emit these; the supervisor maps them onto tab and session state.
type Event interface {
	isEvent()
}

// ResponseToken is a chunk of assistant response text.
type ResponseToken struct {
	Text     string
	Thinking bool
}

// ToolUse reports the agent invoking a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// UsageUpdate carries cumulative token usage for the bound agent session.
type UsageUpdate struct {
	InputTokens   int64
	OutputTokens  int64
	CacheTokens   int64
	CostUSD       float64
	ContextWindow int64
}

// SessionIDAssigned reports the upstream agent-session-id, emitted once
// per conversation.
type SessionIDAssigned struct {
	SessionID string
}

// PromptComplete is the terminal event for a dispatched prompt.
type PromptComplete struct {
	Result     string
	IsError    bool
	DurationMS int64
	CostUSD    float64
	NumTurns   int
}

// Error reports an agent-side failure. Recoverable errors surface as a
// dismissible banner; unrecoverable ones end a running batch.
type Error struct {
	Kind        string
	Message     string
	Recoverable bool
}

// RawOutput is stream text that is not part of any structured event.
type RawOutput struct {
	Text string
}

func (ResponseToken) isEvent()     {}
func (ToolUse) isEvent()           {}
func (UsageUpdate) isEvent()       {}
func (SessionIDAssigned) isEvent() {}
func (PromptComplete) isEvent()    {}
func (Error) isEvent()             {}
func (RawOutput) isEvent()         {}
