// Package events provides event subjects and utilities for the Maestro event system.
package events

// Event subjects for sessions
const (
	SessionAdded        = "session.added"
	SessionRemoved      = "session.removed"
	SessionRenamed      = "session.renamed"
	SessionStateChanged = "session.state_changed"
	SessionOutput       = "session.output"
	SessionUserInput    = "session.user_input"
	ActiveSessionChange = "session.active_changed"
)

// Event subjects for tabs
const (
	TabsChanged = "tabs.changed"
)

// Event subjects for Auto Run batches
const (
	BatchStateChanged = "batch.state_changed"
	BatchTaskDone     = "batch.task_done"
	BatchEnded        = "batch.ended"
)

// Event subjects for the supervisor
const (
	AgentSpawned  = "agent.spawned"
	AgentExited   = "agent.exited"
	AgentErrored  = "agent.errored"
	PromptDone    = "agent.prompt_done"
	UsageUpdated  = "agent.usage_updated"
)

// Event subjects for ambient UI state relayed to remote clients
const (
	ThemeUpdated          = "ui.theme_updated"
	CustomCommandsUpdated = "ui.custom_commands_updated"
)

// Wildcard subscribes to every engine event.
const Wildcard = ">"
