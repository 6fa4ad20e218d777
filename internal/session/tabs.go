package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/events"
)

// TabOptions configure tab creation.
type TabOptions struct {
	AgentSessionID string
	Name           string
	Starred        bool
	InitialLog     []LogEntry
}

// CreateTab appends a new tab to the session and makes it active.
func (r *Registry) CreateTab(sessionID string, opts TabOptions) (*Tab, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("session", sessionID)
	}

	t := newTab(sessionID)
	t.AgentSessionID = opts.AgentSessionID
	t.Name = opts.Name
	t.Starred = opts.Starred
	if len(opts.InitialLog) > 0 {
		t.Log = append(t.Log, opts.InitialLog...)
	}

	s.Tabs = append(s.Tabs, t)
	s.ActiveTabID = t.ID
	r.persistLocked()
	snapshot := t.clone()
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return snapshot, nil
}

// CloseTab tombstones a tab into the closed-tab ring. Closing a busy tab is
// refused. A session is never left tab-less: closing the last tab creates a
// fresh empty one.
func (r *Registry) CloseTab(sessionID, tabID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}

	idx := -1
	for i, t := range s.Tabs {
		if t.ID == tabID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	if s.Tabs[idx].State == TabBusy {
		r.mu.Unlock()
		return errors.TabBusy(tabID)
	}

	closed := s.Tabs[idx]
	s.Tabs = append(s.Tabs[:idx], s.Tabs[idx+1:]...)

	s.ClosedTabs = append(s.ClosedTabs, &ClosedTab{
		Tab:      closed,
		Index:    idx,
		ClosedAt: time.Now().UTC(),
	})
	if len(s.ClosedTabs) > maxClosedTabs {
		s.ClosedTabs = s.ClosedTabs[len(s.ClosedTabs)-maxClosedTabs:]
	}

	if len(s.Tabs) == 0 {
		fresh := newTab(sessionID)
		s.Tabs = []*Tab{fresh}
		s.ActiveTabID = fresh.ID
	} else if s.ActiveTabID == tabID {
		// Activate the neighbour that took the closed tab's slot,
		// falling back to the previous one.
		if idx < len(s.Tabs) {
			s.ActiveTabID = s.Tabs[idx].ID
		} else {
			s.ActiveTabID = s.Tabs[idx-1].ID
		}
	}
	r.persistLocked()
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// ReopenClosedTab pops the most recent tombstone. If a live tab already has
// the same upstream agent-session-id, that tab is activated instead; the
// undo slot is consumed either way.
func (r *Registry) ReopenClosedTab(sessionID string) (*Tab, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("session", sessionID)
	}
	if len(s.ClosedTabs) == 0 {
		r.mu.Unlock()
		return nil, errors.NotFound("closed tab", sessionID)
	}

	entry := s.ClosedTabs[len(s.ClosedTabs)-1]
	s.ClosedTabs = s.ClosedTabs[:len(s.ClosedTabs)-1]

	if entry.Tab.AgentSessionID != "" {
		for _, live := range s.Tabs {
			if live.AgentSessionID == entry.Tab.AgentSessionID {
				s.ActiveTabID = live.ID
				r.persistLocked()
				snapshot := live.clone()
				r.mu.Unlock()
				r.publishTabsChanged(sessionID)
				return snapshot, nil
			}
		}
	}

	t := entry.Tab
	t.State = TabIdle
	t.ThinkingStartTime = nil
	pos := entry.Index
	if pos > len(s.Tabs) {
		pos = len(s.Tabs)
	}
	s.Tabs = append(s.Tabs[:pos], append([]*Tab{t}, s.Tabs[pos:]...)...)
	s.ActiveTabID = t.ID
	r.persistLocked()
	snapshot := t.clone()
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return snapshot, nil
}

// SelectTab makes the given tab active. Selection never acquires the write
// lock; it only changes what the UI foregrounds.
func (r *Registry) SelectTab(sessionID, tabID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	if s.TabByID(tabID) == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	s.ActiveTabID = tabID
	r.persistLocked()
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// NavigateNext activates the next tab, wrapping at the end.
func (r *Registry) NavigateNext(sessionID string) error {
	return r.navigate(sessionID, 1)
}

// NavigatePrevious activates the previous tab, wrapping at the start.
func (r *Registry) NavigatePrevious(sessionID string) error {
	return r.navigate(sessionID, -1)
}

func (r *Registry) navigate(sessionID string, delta int) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	n := len(s.Tabs)
	if n == 0 {
		r.mu.Unlock()
		return nil
	}
	cur := 0
	for i, t := range s.Tabs {
		if t.ID == s.ActiveTabID {
			cur = i
			break
		}
	}
	s.ActiveTabID = s.Tabs[((cur+delta)%n+n)%n].ID
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// SelectTabByIndex activates the tab at the given index. Out-of-range
// indexes are a no-op.
func (r *Registry) SelectTabByIndex(sessionID string, index int) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	if index < 0 || index >= len(s.Tabs) {
		r.mu.Unlock()
		return nil
	}
	s.ActiveTabID = s.Tabs[index].ID
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// SelectLastTab activates the last tab.
func (r *Registry) SelectLastTab(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	if len(s.Tabs) > 0 {
		s.ActiveTabID = s.Tabs[len(s.Tabs)-1].ID
	}
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// RenameTab sets a tab's user-facing name. Empty is allowed; display falls
// back to the agent-session-id octet or the session name.
func (r *Registry) RenameTab(sessionID, tabID, name string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	t.Name = name
	r.persistLocked()
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// SetTabStarred toggles a tab's starred flag.
func (r *Registry) SetTabStarred(sessionID, tabID string, starred bool) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	t.Starred = starred
	r.persistLocked()
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// BeginDispatch acquires the write-mode lock for a tab: the tab must be
// idle and no other tab in the session may be busy. On success the tab is
// busy with its thinking clock started. No side effects on failure.
func (r *Registry) BeginDispatch(sessionID, tabID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	if t.State == TabBusy {
		r.mu.Unlock()
		return errors.TabBusy(tabID)
	}
	if busy := s.BusyTab(); busy != nil {
		r.mu.Unlock()
		return errors.WriteLocked(sessionID, busy.ID)
	}

	now := time.Now().UTC()
	t.State = TabBusy
	t.ThinkingStartTime = &now
	t.LastError = nil
	r.mu.Unlock()

	r.publishStateChange(sessionID, tabID, TabBusy)
	return nil
}

// MarkBusyOnResume marks a tab busy without lock acquisition. Used when a
// resumed agent reports itself mid-response: observation may briefly show
// multiple busy tabs, but BeginDispatch still refuses while any are busy.
func (r *Registry) MarkBusyOnResume(sessionID, tabID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	now := time.Now().UTC()
	t.State = TabBusy
	t.ThinkingStartTime = &now
	r.mu.Unlock()

	r.publishStateChange(sessionID, tabID, TabBusy)
	return nil
}

// CompletePrompt returns a tab to idle after terminal completion and hands
// back the next queue item when the head targets this tab and auto-dispatch
// is not suspended.
func (r *Registry) CompletePrompt(sessionID, tabID string) (*ExecutionQueueItem, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return nil, errors.NotFound("tab", tabID)
	}

	t.State = TabIdle
	t.ThinkingStartTime = nil

	var next *ExecutionQueueItem
	if !s.QueueSuspended && len(s.Queue) > 0 && s.Queue[0].TargetTabID == tabID {
		next = s.Queue[0]
		s.Queue = s.Queue[1:]
	}
	r.persistLocked()
	r.mu.Unlock()

	r.publishStateChange(sessionID, tabID, TabIdle)
	return next, nil
}

// FailTab returns a tab to idle with an error record. Every failure path
// restores idle so the write lock is never wedged.
func (r *Registry) FailTab(sessionID, tabID string, rec ErrorRecord) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	t.State = TabIdle
	t.ThinkingStartTime = nil
	t.LastError = &rec
	r.mu.Unlock()

	r.publish(events.AgentErrored, map[string]any{
		"sessionId":   sessionID,
		"tabId":       tabID,
		"kind":        rec.Kind,
		"message":     rec.Message,
		"recoverable": rec.Recoverable,
	})
	r.publishStateChange(sessionID, tabID, TabIdle)
	return nil
}

// RecordTabError attaches an error banner to a tab without changing its
// state. Used for mid-stream agent errors where the terminal completion
// event still follows.
func (r *Registry) RecordTabError(sessionID, tabID string, rec ErrorRecord) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	t.LastError = &rec
	r.mu.Unlock()

	r.publish(events.AgentErrored, map[string]any{
		"sessionId":   sessionID,
		"tabId":       tabID,
		"kind":        rec.Kind,
		"message":     rec.Message,
		"recoverable": rec.Recoverable,
	})
	return nil
}

// BindAgentSessionID records the upstream id once the agent reports one.
func (r *Registry) BindAgentSessionID(sessionID, tabID, agentSessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	t.AgentSessionID = agentSessionID
	r.persistLocked()
	r.mu.Unlock()

	r.publishTabsChanged(sessionID)
	return nil
}

// UpdateUsage replaces a tab's cached usage statistics.
func (r *Registry) UpdateUsage(sessionID, tabID string, usage UsageStats) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	t.Usage = usage
	r.mu.Unlock()

	r.publish(events.UsageUpdated, map[string]any{
		"sessionId":    sessionID,
		"tabId":        tabID,
		"inputTokens":  usage.InputTokens,
		"outputTokens": usage.OutputTokens,
		"costUsd":      usage.CostUSD,
	})
	return nil
}

// AppendOutput appends agent output to a tab's log with the streaming
// coalescence rule: if the last entry is same-source output and its last
// append is within the coalescence window, the text merges into it;
// otherwise a new entry opens. ANSI escapes are preserved as stored.
func (r *Registry) AppendOutput(sessionID, tabID string, source LogSource, text string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}

	now := time.Now().UTC()
	merged := false
	if n := len(t.Log); n > 0 {
		last := &t.Log[n-1]
		if last.Source == source && !last.LastAppendAt.IsZero() && now.Sub(last.LastAppendAt) < r.coalesce {
			last.Text += text
			last.LastAppendAt = now
			merged = true
		}
	}
	if !merged {
		t.Log = append(t.Log, LogEntry{
			ID:           uuid.New().String(),
			Timestamp:    now,
			Source:       source,
			Text:         text,
			LastAppendAt: now,
		})
	}
	r.mu.Unlock()

	r.publish(events.SessionOutput, map[string]any{
		"sessionId": sessionID,
		"tabId":     tabID,
		"source":    string(source),
		"text":      text,
	})
	return nil
}

// AppendUserInput records the user's prompt in the tab log and echoes it to
// remote clients.
func (r *Registry) AppendUserInput(sessionID, tabID, text string, images []string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	mode := s.InputMode
	t.Log = append(t.Log, LogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    SourceUser,
		Text:      text,
		Images:    images,
	})
	r.mu.Unlock()

	r.publish(events.SessionUserInput, map[string]any{
		"sessionId": sessionID,
		"command":   text,
		"mode":      string(mode),
	})
	return nil
}

// AppendToolUse records structured tool-use metadata as a system entry.
func (r *Registry) AppendToolUse(sessionID, tabID, name string, input map[string]any) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	t := s.TabByID(tabID)
	if t == nil {
		r.mu.Unlock()
		return errors.NotFound("tab", tabID)
	}
	t.Log = append(t.Log, LogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    SourceSystem,
		Text:      name,
		Payload:   map[string]any{"tool": name, "input": input},
	})
	r.mu.Unlock()

	r.publish(events.SessionOutput, map[string]any{
		"sessionId": sessionID,
		"tabId":     tabID,
		"source":    string(SourceSystem),
		"text":      name,
	})
	return nil
}

func (r *Registry) publishStateChange(sessionID, tabID string, state TabState) {
	r.publish(events.SessionStateChanged, map[string]any{
		"sessionId": sessionID,
		"tabId":     tabID,
		"state":     string(state),
	})
}

// publishTabsChanged carries the full tab list so a remote client can
// replay the event against its snapshot without another round trip.
func (r *Registry) publishTabsChanged(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	activeTabID := s.ActiveTabID
	tabs := make([]map[string]any, 0, len(s.Tabs))
	for _, t := range s.Tabs {
		tabs = append(tabs, map[string]any{
			"id":             t.ID,
			"name":           t.Name,
			"displayName":    t.DisplayName(s.Name),
			"state":          string(t.State),
			"agentSessionId": t.AgentSessionID,
			"starred":        t.Starred,
		})
	}
	r.mu.RUnlock()

	r.publish(events.TabsChanged, map[string]any{
		"sessionId":   sessionID,
		"activeTabId": activeTabID,
		"tabs":        tabs,
	})
}
