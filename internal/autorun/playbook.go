// Package autorun implements the batch scheduler: it extracts checkbox
// tasks from markdown playbook documents, dispatches each as an agent
// prompt, rewrites checkboxes on completion, and tracks progress across
// documents and loop iterations.
package autorun

import (
	"time"
)

// WorktreeSettings configure running a batch on a dedicated git worktree.
type WorktreeSettings struct {
	BranchTemplate string `json:"branchTemplate"`
	CreatePR       bool   `json:"createPr"`
	TargetBranch   string `json:"targetBranch,omitempty"`
}

// Playbook is a user-authored batch: an ordered list of markdown documents
// relative to the session's Auto Run folder.
type Playbook struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Documents   []string          `json:"documents"`
	LoopEnabled bool              `json:"loopEnabled"`
	MaxLoops    *int              `json:"maxLoops,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Worktree    *WorktreeSettings `json:"worktreeSettings,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// BatchState is the observable state of a running batch. It exists only
// while running and is replaced atomically on every transition.
type BatchState struct {
	Running  bool `json:"running"`
	Stopping bool `json:"stopping"`

	Documents   []string `json:"documents"`
	CurrentDoc  int      `json:"currentDoc"`
	PlaybookID  string   `json:"playbookId"`
	SessionID   string   `json:"sessionId"`

	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`

	CurrentDocTotal     int `json:"currentDocTotal"`
	CurrentDocCompleted int `json:"currentDocCompleted"`

	LoopEnabled   bool   `json:"loopEnabled"`
	LoopIteration int    `json:"loopIteration"`
	MaxLoops      *int   `json:"maxLoops,omitempty"`
	WorktreeBranch string `json:"worktreeBranch,omitempty"`

	AccumulatedElapsedMs int64      `json:"accumulatedElapsedMs"`
	LastActiveTimestamp  *time.Time `json:"lastActiveTimestamp,omitempty"`
	StartTime            time.Time  `json:"startTime"`
}

// Phase labels the scheduler's position in its state machine, carried on
// batch events for observability.
type Phase string

const (
	PhasePreparing     Phase = "preparing"
	PhaseDispatching   Phase = "dispatching"
	PhaseAwaitingAgent Phase = "awaiting_agent"
	PhaseMarkDone      Phase = "mark_done"
	PhaseError         Phase = "error"
	PhaseFinalizing    Phase = "finalizing"
	PhaseEnded         Phase = "ended"
)
