package agent

import (
	"bytes"

	"github.com/maestro/maestro/pkg/claudecode"
	"github.com/maestro/maestro/pkg/codex"
)

// Parser consumes raw byte chunks from an agent child and emits structured
// events. Implementations keep partial-line state between calls.
type Parser interface {
	// Feed ingests a chunk and returns any events completed by it.
	Feed(chunk []byte) []Event
	// Flush drains any buffered partial line at stream end.
	Flush() []Event
}

// lineBuffer accumulates bytes and yields complete newline-terminated lines.
type lineBuffer struct {
	buf bytes.Buffer
}

func (lb *lineBuffer) feed(chunk []byte) []string {
	lb.buf.Write(chunk)
	var lines []string
	for {
		data := lb.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		lb.buf.Next(idx + 1)
		lines = append(lines, line)
	}
	return lines
}

func (lb *lineBuffer) flush() string {
	line := lb.buf.String()
	lb.buf.Reset()
	return line
}

// claudeParser parses the Claude Code stream-json protocol.
type claudeParser struct {
	lines lineBuffer
}

// NewClaudeParser returns a parser for the Claude Code stream-json protocol.
func NewClaudeParser() Parser { return &claudeParser{} }

func (p *claudeParser) Feed(chunk []byte) []Event {
	var events []Event
	for _, line := range p.lines.feed(chunk) {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *claudeParser) Flush() []Event {
	if line := p.lines.flush(); line != "" {
		return p.parseLine(line)
	}
	return nil
}

func (p *claudeParser) parseLine(line string) []Event {
	parsed := claudecode.ParseLine(line)
	if parsed == nil {
		return nil
	}
	if parsed.JSON == nil {
		return []Event{RawOutput{Text: parsed.Raw}}
	}

	msg := parsed.JSON
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			return []Event{SessionIDAssigned{SessionID: msg.SessionID}}
		}
		return nil

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return nil
		}
		var events []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				events = append(events, ResponseToken{Text: block.Text})
			case "thinking":
				events = append(events, ResponseToken{Text: block.Thinking, Thinking: true})
			case "tool_use":
				events = append(events, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
			}
		}
		if u := msg.Message.Usage; u != nil {
			events = append(events, UsageUpdate{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				CacheTokens:  u.CacheReadInputTokens + u.CacheCreationInputTokens,
			})
		}
		return events

	case claudecode.MessageTypeResult:
		var events []Event
		if u := msg.Usage; u != nil {
			update := UsageUpdate{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				CacheTokens:  u.CacheReadInputTokens + u.CacheCreationInputTokens,
				CostUSD:      msg.CostUSD,
			}
			for _, stats := range msg.ModelUsage {
				if stats.ContextWindow != nil {
					update.ContextWindow = *stats.ContextWindow
				}
			}
			events = append(events, update)
		}
		if msg.IsError {
			events = append(events, Error{
				Kind:        "result",
				Message:     msg.GetResultString(),
				Recoverable: false,
			})
		}
		events = append(events, PromptComplete{
			Result:     msg.GetResultString(),
			IsError:    msg.IsError,
			DurationMS: msg.DurationMS,
			CostUSD:    msg.CostUSD,
			NumTurns:   msg.NumTurns,
		})
		return events
	}
	return nil
}

// codexParser parses the Codex protocol stream.
type codexParser struct {
	lines lineBuffer
}

// NewCodexParser returns a parser for the Codex protocol stream.
func NewCodexParser() Parser { return &codexParser{} }

func (p *codexParser) Feed(chunk []byte) []Event {
	var events []Event
	for _, line := range p.lines.feed(chunk) {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *codexParser) Flush() []Event {
	if line := p.lines.flush(); line != "" {
		return p.parseLine(line)
	}
	return nil
}

func (p *codexParser) parseLine(line string) []Event {
	parsed := codex.ParseLine(line)
	if parsed == nil {
		return nil
	}
	if parsed.Event == nil {
		return []Event{RawOutput{Text: parsed.Raw}}
	}

	msg := parsed.Event.Msg
	switch msg.Type {
	case codex.EventSessionConfigured:
		return []Event{SessionIDAssigned{SessionID: msg.SessionID}}

	case codex.EventAgentMessage:
		return []Event{ResponseToken{Text: msg.Message}}

	case codex.EventAgentMessageDelta:
		return []Event{ResponseToken{Text: msg.Delta}}

	case codex.EventAgentReasoning:
		return []Event{ResponseToken{Text: msg.Text, Thinking: true}}

	case codex.EventExecCommandBegin:
		input := map[string]any{}
		if len(msg.Command) > 0 {
			input["command"] = msg.Command
		}
		return []Event{ToolUse{ID: parsed.Event.ID, Name: "exec", Input: input}}

	case codex.EventTokenCount:
		if msg.Usage == nil || msg.Usage.TotalTokenUsage == nil {
			return nil
		}
		update := UsageUpdate{
			InputTokens:  msg.Usage.TotalTokenUsage.InputTokens,
			OutputTokens: msg.Usage.TotalTokenUsage.OutputTokens,
			CacheTokens:  msg.Usage.TotalTokenUsage.CachedInputTokens,
		}
		if msg.Usage.ContextWindow != nil {
			update.ContextWindow = *msg.Usage.ContextWindow
		}
		return []Event{update}

	case codex.EventTaskComplete:
		return []Event{PromptComplete{Result: msg.LastAgentMessage}}

	case codex.EventError:
		return []Event{Error{Kind: "protocol", Message: msg.ErrorMessage, Recoverable: true}}
	}
	return nil
}

// rawParser passes all output through untouched. Used for shell sessions,
// where completion is detected by terminal idleness instead of protocol
// events.
type rawParser struct{}

// NewRawParser returns a passthrough parser.
func NewRawParser() Parser { return rawParser{} }

func (rawParser) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	return []Event{RawOutput{Text: string(chunk)}}
}

func (rawParser) Flush() []Event { return nil }
