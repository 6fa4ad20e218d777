package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeParser_SplitAcrossChunks(t *testing.T) {
	p := NewClaudeParser()

	line := `{"type":"system","subtype":"init","session_id":"abc-123"}` + "\n"
	mid := len(line) / 2

	events := p.Feed([]byte(line[:mid]))
	assert.Empty(t, events, "no complete line yet")

	events = p.Feed([]byte(line[mid:]))
	require.Len(t, events, 1)
	assigned, ok := events[0].(SessionIDAssigned)
	require.True(t, ok, "expected SessionIDAssigned, got %T", events[0])
	assert.Equal(t, "abc-123", assigned.SessionID)
}

func TestClaudeParser_AssistantAndResult(t *testing.T) {
	p := NewClaudeParser()

	input := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working on it"},{"type":"tool_use","id":"tu_1","name":"Edit","input":{"file_path":"a.go"}}],"usage":{"input_tokens":10,"output_tokens":3}}}` + "\n" +
		`{"type":"result","result":"done","duration_ms":900,"total_cost_usd":0.01,"num_turns":2}` + "\n"

	events := p.Feed([]byte(input))
	require.Len(t, events, 4)

	token, ok := events[0].(ResponseToken)
	require.True(t, ok)
	assert.Equal(t, "working on it", token.Text)
	assert.False(t, token.Thinking)

	tool, ok := events[1].(ToolUse)
	require.True(t, ok)
	assert.Equal(t, "Edit", tool.Name)

	usage, ok := events[2].(UsageUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(10), usage.InputTokens)

	complete, ok := events[3].(PromptComplete)
	require.True(t, ok)
	assert.Equal(t, "done", complete.Result)
	assert.Equal(t, int64(900), complete.DurationMS)
	assert.False(t, complete.IsError)
}

func TestClaudeParser_ErrorResult(t *testing.T) {
	p := NewClaudeParser()

	events := p.Feed([]byte(`{"type":"result","result":"credit exhausted","is_error":true}` + "\n"))
	require.Len(t, events, 2)

	agentErr, ok := events[0].(Error)
	require.True(t, ok)
	assert.False(t, agentErr.Recoverable)
	assert.Equal(t, "credit exhausted", agentErr.Message)

	complete, ok := events[1].(PromptComplete)
	require.True(t, ok)
	assert.True(t, complete.IsError)
}

func TestClaudeParser_RawLinePassthrough(t *testing.T) {
	p := NewClaudeParser()

	events := p.Feed([]byte("npm warn deprecated something\n"))
	require.Len(t, events, 1)
	raw, ok := events[0].(RawOutput)
	require.True(t, ok)
	assert.Equal(t, "npm warn deprecated something", raw.Text)
}

func TestCodexParser_TaskLifecycle(t *testing.T) {
	p := NewCodexParser()

	input := `{"id":"0","msg":{"type":"session_configured","session_id":"cdx-9"}}` + "\n" +
		`{"id":"1","msg":{"type":"agent_message","message":"refactored"}}` + "\n" +
		`{"id":"1","msg":{"type":"token_count","info":{"total_token_usage":{"input_tokens":50,"output_tokens":20}}}}` + "\n" +
		`{"id":"1","msg":{"type":"task_complete","last_agent_message":"refactored"}}` + "\n"

	events := p.Feed([]byte(input))
	require.Len(t, events, 4)

	assert.Equal(t, "cdx-9", events[0].(SessionIDAssigned).SessionID)
	assert.Equal(t, "refactored", events[1].(ResponseToken).Text)
	assert.Equal(t, int64(50), events[2].(UsageUpdate).InputTokens)
	assert.Equal(t, "refactored", events[3].(PromptComplete).Result)
}

func TestRawParser_Passthrough(t *testing.T) {
	p := NewRawParser()

	events := p.Feed([]byte("$ ls\nmain.go\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "$ ls\nmain.go\n", events[0].(RawOutput).Text)
	assert.Empty(t, p.Flush())
}

func TestParserFlushDrainsPartialLine(t *testing.T) {
	p := NewClaudeParser()

	assert.Empty(t, p.Feed([]byte("tail without newline")))
	events := p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "tail without newline", events[0].(RawOutput).Text)
}
