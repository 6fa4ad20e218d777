package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/agent"
	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
)

// Registry is the single authority over all mutable session state. Every
// mutation passes through its lock, which is what makes invariants like the
// write-mode lock checkable in one place.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	activeID string

	agents   *agent.Registry
	store    *Store
	bus      bus.EventBus
	logger   *logger.Logger
	coalesce time.Duration

	// onDelete lets the supervisor reap a live child before the session
	// record disappears.
	onDelete func(*Session)
}

// NewRegistry creates the session registry.
func NewRegistry(cfg *config.Config, agents *agent.Registry, store *Store, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		agents:   agents,
		store:    store,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session_registry")),
		coalesce: cfg.Supervisor.StreamCoalesceWindow(),
	}
}

// SetDeleteHook registers the supervisor's child-reaping callback.
func (r *Registry) SetDeleteHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = hook
}

// Reconcile loads persisted sessions on startup: transient fields are
// cleared, VCS state is re-scanned, tabs and logs stay intact. Batches
// never resume across restart, so no batch state is restored.
func (r *Registry) Reconcile() {
	loaded := r.store.Load()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, s := range loaded {
		if s == nil || s.ID == "" {
			continue
		}
		for _, t := range s.Tabs {
			if t.State == TabBusy {
				// The child did not survive the restart; surface that on
				// the tab instead of silently forgetting the prompt.
				t.LastError = &ErrorRecord{
					Kind:    "restart",
					Message: "engine restarted while a prompt was in flight",
					At:      now,
				}
			}
			t.State = TabIdle
			t.ThinkingStartTime = nil
		}
		s.QueueSuspended = false
		s.VCS = DetectVCS(s.WorkingDir)
		if s.AutoRun.FolderPath != "" {
			if info, err := os.Stat(s.AutoRun.FolderPath); err != nil || !info.IsDir() {
				r.logger.Warn("auto run folder gone, clearing binding",
					zap.String("session_id", s.ID),
					zap.String("folder", s.AutoRun.FolderPath))
				s.AutoRun = AutoRunConfig{}
			}
		}
		if len(s.Tabs) == 0 {
			t := newTab(s.ID)
			s.Tabs = []*Tab{t}
			s.ActiveTabID = t.ID
		}
		if s.TabByID(s.ActiveTabID) == nil {
			s.ActiveTabID = s.Tabs[0].ID
		}
		r.sessions[s.ID] = s
		r.order = append(r.order, s.ID)
	}

	r.logger.Info("reconciled sessions", zap.Int("count", len(r.sessions)))
}

// Create adds a session for an existing readable workspace directory.
func (r *Registry) Create(workspacePath string, kind agent.Kind, name string) (*Session, error) {
	info, err := os.Stat(workspacePath)
	if err != nil || !info.IsDir() {
		return nil, errors.InvalidPath(workspacePath)
	}
	if _, err := os.ReadDir(workspacePath); err != nil {
		return nil, errors.InvalidPath(workspacePath)
	}
	if _, err := r.agents.Get(kind); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		ID:         uuid.New().String(),
		Name:       name,
		WorkingDir: workspacePath,
		AgentKind:  kind,
		InputMode:  ModeInteractive,
		VCS:        DetectVCS(workspacePath),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t := newTab(s.ID)
	s.Tabs = []*Tab{t}
	s.ActiveTabID = t.ID

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	r.persistLocked()
	snapshot := s.Clone()
	r.mu.Unlock()

	r.publish(events.SessionAdded, map[string]any{"sessionId": s.ID, "name": s.Name})
	return snapshot, nil
}

// Delete removes a session, reaping any live child, and deletes the
// associated playbook file best-effort.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", id)
	}
	hook := r.onDelete
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.activeID == id {
		r.activeID = ""
	}
	r.persistLocked()
	r.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	r.store.DeletePlaybookFile(id)

	r.publish(events.SessionRemoved, map[string]any{"sessionId": id})
	return nil
}

// Rename updates a session's display name.
func (r *Registry) Rename(id, name string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", id)
	}
	s.Name = name
	s.UpdatedAt = time.Now().UTC()
	r.persistLocked()
	r.mu.Unlock()

	r.publish(events.SessionRenamed, map[string]any{"sessionId": id, "name": name})
	return nil
}

// UpdateWorkingDir atomically replaces a session's cwd. A live child is
// undisturbed; the next spawn picks up the new directory.
func (r *Registry) UpdateWorkingDir(id, dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return errors.InvalidPath(dir)
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", id)
	}
	s.WorkingDir = dir
	s.VCS = DetectVCS(dir)
	s.UpdatedAt = time.Now().UTC()
	r.persistLocked()
	r.mu.Unlock()

	r.publish(events.SessionStateChanged, map[string]any{"sessionId": id})
	return nil
}

// SetAutoRunFolder binds a session's Auto Run folder and, optionally, the
// document selected in it. An empty folder clears the binding.
func (r *Registry) SetAutoRunFolder(id, folder, selectedDocument string) error {
	if folder != "" {
		info, err := os.Stat(folder)
		if err != nil || !info.IsDir() {
			return errors.InvalidPath(folder)
		}
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", id)
	}
	s.AutoRun = AutoRunConfig{FolderPath: folder, SelectedDocument: selectedDocument}
	s.UpdatedAt = time.Now().UTC()
	r.persistLocked()
	r.mu.Unlock()

	r.publish(events.SessionStateChanged, map[string]any{"sessionId": id})
	return nil
}

// Get returns a deep-copied snapshot of the session with the given id,
// taken under the registry lock. Callers mutate sessions only through
// registry methods, never through the returned value.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	return s.Clone(), nil
}

// List returns deep-copied snapshots of all sessions in creation order,
// taken under one lock acquisition.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s.Clone())
		}
	}
	return out
}

// SetActive marks a session as the foregrounded one and publishes the
// change for remote clients.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return errors.NotFound("session", id)
	}
	r.activeID = id
	r.mu.Unlock()

	r.publish(events.ActiveSessionChange, map[string]any{"sessionId": id})
	return nil
}

// ActiveID returns the currently foregrounded session id.
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// SetExecutableOverride pins a session to a specific agent binary. Empty
// restores the registry default. Takes effect on the next spawn.
func (r *Registry) SetExecutableOverride(id, path string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", id)
	}
	s.ExecutableOverride = path
	s.UpdatedAt = time.Now().UTC()
	r.persistLocked()
	r.mu.Unlock()

	r.publish(events.SessionStateChanged, map[string]any{"sessionId": id})
	return nil
}

// SetInputMode switches a session between interactive and shell input.
func (r *Registry) SetInputMode(id string, mode InputMode) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", id)
	}
	s.InputMode = mode
	r.persistLocked()
	r.mu.Unlock()

	r.publish(events.SessionStateChanged, map[string]any{"sessionId": id, "inputMode": string(mode)})
	return nil
}

// Persist saves the current session set. Exposed for callers that mutate
// session fields the registry does not own (scroll positions, drafts).
func (r *Registry) Persist() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistLocked()
}

// persistLocked writes sessions.json. In-memory state stays authoritative
// on failure; the error is logged and surfaced via events.
func (r *Registry) persistLocked() {
	snapshot := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			snapshot = append(snapshot, s)
		}
	}
	if err := r.store.Save(snapshot); err != nil {
		r.logger.Error("failed to persist sessions", zap.Error(err))
	}
}

func (r *Registry) publish(subject string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "session_registry", data)); err != nil {
		r.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
