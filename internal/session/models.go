// Package session owns the session registry: the authoritative, persisted
// model of every workspace, its conversation tabs, and its execution queue.
// All mutation goes through the Registry, which serializes access behind a
// single lock.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestro/maestro/internal/agent"
)

// TabState is a tab's dispatch state.
type TabState string

const (
	TabIdle  TabState = "idle"
	TabBusy  TabState = "busy"
	TabError TabState = "error"
)

// InputMode selects how prompts reach the agent child.
type InputMode string

const (
	ModeInteractive InputMode = "interactive"
	ModeShell       InputMode = "shell"
)

// LogSource identifies where a log entry came from.
type LogSource string

const (
	SourceUser   LogSource = "user"
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
	SourceSystem LogSource = "system"
)

// LogEntry is one append-only record in a tab's conversation log.
// Entries are never mutated in place except for streaming appends to the
// most recent stdout entry (see Registry.AppendOutput).
type LogEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Source       LogSource      `json:"source"`
	Text         string         `json:"text"`
	Images       []string       `json:"images,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	LastAppendAt time.Time      `json:"lastAppendAt,omitempty"`
}

// UsageStats caches per-tab token accounting reported by the agent.
type UsageStats struct {
	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	CacheTokens   int64   `json:"cacheTokens,omitempty"`
	CostUSD       float64 `json:"costUsd,omitempty"`
	ContextWindow int64   `json:"contextWindow,omitempty"`
}

// ErrorRecord is a tab's last surfaced agent error.
type ErrorRecord struct {
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	At          time.Time `json:"at"`
}

// Tab is a single conversation within a session. SessionID is stored as a
// field rather than a parent pointer so a tab serializes on its own.
type Tab struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"sessionId"`
	AgentSessionID string     `json:"agentSessionId,omitempty"`
	Name           string     `json:"name,omitempty"`
	Starred        bool       `json:"starred,omitempty"`
	Log            []LogEntry `json:"log"`
	InputDraft     string     `json:"inputDraft,omitempty"`
	StagedImages   []string   `json:"stagedImages,omitempty"`
	Usage          UsageStats `json:"usage"`
	CreatedAt      time.Time  `json:"createdAt"`

	State             TabState     `json:"state"`
	ReadOnly          bool         `json:"readOnly,omitempty"`
	SaveToHistory     bool         `json:"saveToHistory"`
	ThinkingStartTime *time.Time   `json:"thinkingStartTime,omitempty"`
	LastError         *ErrorRecord `json:"lastError,omitempty"`
}

// DisplayName resolves the user-facing tab name. An unnamed tab shows the
// first octet of its agent-session-id, falling back to the session name.
func (t *Tab) DisplayName(sessionName string) string {
	if t.Name != "" {
		return t.Name
	}
	if t.AgentSessionID != "" {
		if i := strings.IndexByte(t.AgentSessionID, '-'); i > 0 {
			return t.AgentSessionID[:i]
		}
		return t.AgentSessionID
	}
	return sessionName
}

// ClosedTab is a tombstone for "reopen last closed tab".
type ClosedTab struct {
	Tab      *Tab      `json:"tab"`
	Index    int       `json:"index"`
	ClosedAt time.Time `json:"closedAt"`
}

// maxClosedTabs bounds the closed-tab ring per session.
const maxClosedTabs = 25

// ExecutionQueueItem is a pending prompt bound to a target tab.
type ExecutionQueueItem struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Images      []string  `json:"images,omitempty"`
	TargetTabID string    `json:"targetTabId"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// VCSState is the detected version-control state of the workspace.
type VCSState struct {
	IsRepo bool   `json:"isRepo"`
	Branch string `json:"branch,omitempty"`
	Dirty  bool   `json:"dirty,omitempty"`
}

// AutoRunConfig is the session's Auto Run folder selection.
type AutoRunConfig struct {
	FolderPath       string `json:"folderPath,omitempty"`
	SelectedDocument string `json:"selectedDocument,omitempty"`
}

// Session is one workspace bound to one agent kind.
type Session struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	WorkingDir         string     `json:"workingDir"`
	AgentKind          agent.Kind `json:"agentKind"`
	ExecutableOverride string     `json:"executableOverride,omitempty"`
	Model              string     `json:"model,omitempty"`
	InputMode          InputMode  `json:"inputMode"`
	VCS                VCSState   `json:"vcs"`

	Tabs        []*Tab       `json:"tabs"`
	ActiveTabID string       `json:"activeTabId"`
	ClosedTabs  []*ClosedTab `json:"closedTabs,omitempty"`

	Queue []*ExecutionQueueItem `json:"queue,omitempty"`
	// QueueSuspended stops auto-dispatch after an interrupt until the user
	// explicitly resumes.
	QueueSuspended bool `json:"-"`

	AutoRun         AutoRunConfig  `json:"autoRun"`
	ScrollPositions map[string]int `json:"scrollPositions,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActiveTab returns the session's active tab, or nil.
func (s *Session) ActiveTab() *Tab {
	return s.TabByID(s.ActiveTabID)
}

// TabByID returns the tab with the given id, or nil.
func (s *Session) TabByID(id string) *Tab {
	for _, t := range s.Tabs {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// BusyTab returns the first busy tab, or nil.
func (s *Session) BusyTab() *Tab {
	for _, t := range s.Tabs {
		if t.State == TabBusy {
			return t
		}
	}
	return nil
}

// IsIdle reports whether no tab is busy and the queue is empty.
func (s *Session) IsIdle() bool {
	return s.BusyTab() == nil && len(s.Queue) == 0
}

// Clone returns a deep copy detached from registry-owned state, so readers
// never observe concurrent mutation.
func (s *Session) Clone() *Session {
	out := *s
	out.Tabs = make([]*Tab, len(s.Tabs))
	for i, t := range s.Tabs {
		out.Tabs[i] = t.clone()
	}
	if s.ClosedTabs != nil {
		out.ClosedTabs = make([]*ClosedTab, len(s.ClosedTabs))
		for i, ct := range s.ClosedTabs {
			cc := *ct
			cc.Tab = ct.Tab.clone()
			out.ClosedTabs[i] = &cc
		}
	}
	if s.Queue != nil {
		out.Queue = make([]*ExecutionQueueItem, len(s.Queue))
		for i, item := range s.Queue {
			out.Queue[i] = item.clone()
		}
	}
	if s.ScrollPositions != nil {
		out.ScrollPositions = make(map[string]int, len(s.ScrollPositions))
		for k, v := range s.ScrollPositions {
			out.ScrollPositions[k] = v
		}
	}
	return &out
}

// clone deep-copies a tab. Log entries are copied by value: streaming
// appends only mutate the entry struct itself, never its Payload or Images,
// which are write-once at creation.
func (t *Tab) clone() *Tab {
	out := *t
	out.Log = append([]LogEntry(nil), t.Log...)
	out.StagedImages = append([]string(nil), t.StagedImages...)
	if t.ThinkingStartTime != nil {
		ts := *t.ThinkingStartTime
		out.ThinkingStartTime = &ts
	}
	if t.LastError != nil {
		le := *t.LastError
		out.LastError = &le
	}
	return &out
}

func (q *ExecutionQueueItem) clone() *ExecutionQueueItem {
	out := *q
	out.Images = append([]string(nil), q.Images...)
	return &out
}

// newTab creates an empty tab bound to a session.
func newTab(sessionID string) *Tab {
	return &Tab{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Log:           []LogEntry{},
		CreatedAt:     time.Now().UTC(),
		State:         TabIdle,
		SaveToHistory: true,
	}
}
