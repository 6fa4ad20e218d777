package codex

import (
	"encoding/json"
	"strings"
)

// ParsedLine is the result of parsing one stdout line. Non-protocol lines
// are passed through in Raw.
type ParsedLine struct {
	Event *Event
	Raw   string
}

// ParseLine parses a single line of Codex protocol stdout.
// An empty line returns nil.
func ParseLine(line string) *ParsedLine {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		return &ParsedLine{Raw: line}
	}

	var ev Event
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil || ev.Msg.Type == "" {
		return &ParsedLine{Raw: line}
	}
	return &ParsedLine{Event: &ev}
}

// EncodeUserInput marshals a user_input submission as a single stdin line.
func EncodeUserInput(id, text string) ([]byte, error) {
	sub := Submission{
		ID: id,
		Op: SubmissionOp{
			Type:  OpUserInput,
			Items: []InputItem{{Type: "text", Text: text}},
		},
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeInterrupt marshals an interrupt submission as a single stdin line.
func EncodeInterrupt(id string) ([]byte, error) {
	sub := Submission{ID: id, Op: SubmissionOp{Type: OpInterrupt}}
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
