// Package agent defines the adapter registry for supported agent kinds:
// how each agent CLI is found, spawned, resumed, prompted, and parsed.
package agent

import (
	"os"

	"github.com/maestro/maestro/pkg/claudecode"
	"github.com/maestro/maestro/pkg/codex"
)

// Kind identifies a supported agent CLI.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindShell  Kind = "shell"
)

// Capabilities declares which optional protocol features an agent kind
// provides. Callers degrade gracefully when a capability is absent.
type Capabilities struct {
	SessionStorage bool `json:"sessionStorage" yaml:"sessionStorage"`
	SessionID      bool `json:"sessionId" yaml:"sessionId"`
	UsageStats     bool `json:"usageStats" yaml:"usageStats"`
	CostTracking   bool `json:"costTracking" yaml:"costTracking"`
	ContextWindow  bool `json:"contextWindow" yaml:"contextWindow"`
}

// SpawnOptions carry per-session parameters into argv construction.
type SpawnOptions struct {
	WorkingDir string
	Model      string
}

// Descriptor describes how to run one agent kind.
type Descriptor struct {
	Kind        Kind
	DisplayName string

	// Executables is the resolution search order. The session may override
	// with an explicit path; otherwise each name is looked up on PATH.
	Executables []string

	// SpawnArgs builds argv (without the executable) for a new conversation.
	SpawnArgs func(opts SpawnOptions) []string

	// ResumeArgs builds argv for resuming a bound upstream session.
	// Nil when the kind does not support resume.
	ResumeArgs func(sessionID string, opts SpawnOptions) []string

	// Env is appended to the child's inherited environment.
	Env map[string]string

	// InterruptSignal is sent to the child's process group on interrupt.
	InterruptSignal os.Signal

	// NewParser constructs a fresh stream parser per spawned child.
	NewParser func() Parser

	// EncodePrompt turns prompt text into the bytes written to the child's
	// stdin, including any framing the protocol requires.
	EncodePrompt func(text string) ([]byte, error)

	Capabilities Capabilities
}

func claudeDescriptor() *Descriptor {
	return &Descriptor{
		Kind:        KindClaude,
		DisplayName: "Claude Code",
		Executables: []string{"claude"},
		SpawnArgs: func(opts SpawnOptions) []string {
			args := []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return args
		},
		ResumeArgs: func(sessionID string, opts SpawnOptions) []string {
			args := []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--resume", sessionID,
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return args
		},
		InterruptSignal: os.Interrupt,
		NewParser:       NewClaudeParser,
		EncodePrompt:    claudecode.EncodeUserMessage,
		Capabilities: Capabilities{
			SessionStorage: true,
			SessionID:      true,
			UsageStats:     true,
			CostTracking:   true,
			ContextWindow:  true,
		},
	}
}

func codexDescriptor() *Descriptor {
	return &Descriptor{
		Kind:        KindCodex,
		DisplayName: "Codex",
		Executables: []string{"codex"},
		SpawnArgs: func(opts SpawnOptions) []string {
			return []string{"proto"}
		},
		InterruptSignal: os.Interrupt,
		NewParser:       NewCodexParser,
		EncodePrompt: func(text string) ([]byte, error) {
			return codex.EncodeUserInput(newSubmissionID(), text)
		},
		Capabilities: Capabilities{
			SessionID:     true,
			UsageStats:    true,
			ContextWindow: true,
		},
	}
}

func shellDescriptor() *Descriptor {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = defaultShell
	}
	return &Descriptor{
		Kind:        KindShell,
		DisplayName: "Shell",
		Executables: []string{shell},
		SpawnArgs: func(opts SpawnOptions) []string {
			return nil
		},
		InterruptSignal: os.Interrupt,
		NewParser:       NewRawParser,
		EncodePrompt: func(text string) ([]byte, error) {
			return []byte(text + "\n"), nil
		},
	}
}
