package claudecode

import (
	"encoding/json"
	"strings"
)

// ParsedLine is the result of parsing one stdout line. When the line is not
// valid stream-json (warnings, stray CLI output) JSON is nil and Raw carries
// the text so callers can surface it verbatim.
type ParsedLine struct {
	JSON *CLIMessage
	Raw  string
}

// ParseLine parses a single line of Claude Code CLI stdout.
// An empty line returns nil.
func ParseLine(line string) *ParsedLine {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		return &ParsedLine{Raw: line}
	}

	var msg CLIMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil || msg.Type == "" {
		return &ParsedLine{Raw: line}
	}
	return &ParsedLine{JSON: &msg}
}

// EncodeUserMessage marshals a user message as a single stdin line.
func EncodeUserMessage(text string) ([]byte, error) {
	data, err := json.Marshal(NewUserMessage(text))
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
