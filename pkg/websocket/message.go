// Package websocket provides WebSocket frame types and dispatch for the
// remote gateway protocol. Every frame is a flat JSON object discriminated
// by its "type" field.
package websocket

import (
	"encoding/json"
	"fmt"
)

// Client-to-server frame types.
const (
	TypeAuth          = "auth"
	TypeSelectSession = "select_session"
	TypeSelectTab     = "select_tab"
	TypeNewTab        = "new_tab"
	TypeCloseTab      = "close_tab"
	TypeSendCommand   = "send_command"
	TypeSwitchMode    = "switch_mode"
)

// Server-to-client frame types.
const (
	TypeSessionsUpdate       = "sessions_update"
	TypeSessionAdded         = "session_added"
	TypeSessionRemoved       = "session_removed"
	TypeSessionStateChange   = "session_state_change"
	TypeSessionOutput        = "session_output"
	TypeUserInput            = "user_input"
	TypeActiveSessionChanged = "active_session_changed"
	TypeTabsChanged          = "tabs_changed"
	TypeAutoRunStateChange   = "autorun_state_change"
	TypeThemeUpdate          = "theme_update"
	TypeCustomCommands       = "custom_commands"
	TypeError                = "error"
)

// Frame carries the type discriminator plus the raw bytes of the whole
// frame, so handlers can unmarshal into their concrete shape.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode extracts the type discriminator from an incoming frame.
func Decode(data []byte) (*Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &Frame{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Parse unmarshals the full frame into the given struct.
func (f *Frame) Parse(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// ErrorFrame is sent to a client when a request frame cannot be served.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame with the given code and message.
func NewErrorFrame(code, message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Message: message}
}
