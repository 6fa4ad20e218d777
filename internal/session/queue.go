package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/events"
)

// Enqueue appends a prompt to the session's FIFO execution queue, bound to
// its target tab for the life of the item.
func (r *Registry) Enqueue(sessionID, tabID, text string, images []string) (*ExecutionQueueItem, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("session", sessionID)
	}
	if s.TabByID(tabID) == nil {
		r.mu.Unlock()
		return nil, errors.NotFound("tab", tabID)
	}

	item := &ExecutionQueueItem{
		ID:          uuid.New().String(),
		Text:        text,
		Images:      images,
		TargetTabID: tabID,
		EnqueuedAt:  time.Now().UTC(),
	}
	s.Queue = append(s.Queue, item)
	queued := len(s.Queue)
	r.persistLocked()
	snapshot := item.clone()
	r.mu.Unlock()

	r.publish(events.SessionStateChanged, map[string]any{
		"sessionId":   sessionID,
		"tabId":       tabID,
		"queueLength": queued,
	})
	return snapshot, nil
}

// QueueSnapshot returns a deep copy of the session's pending items.
func (r *Registry) QueueSnapshot(sessionID string) []*ExecutionQueueItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*ExecutionQueueItem, len(s.Queue))
	for i, item := range s.Queue {
		out[i] = item.clone()
	}
	return out
}

// SuspendQueue stops auto-dispatch after an interrupt. Items stay queued.
func (r *Registry) SuspendQueue(sessionID string) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.QueueSuspended = true
	}
	r.mu.Unlock()
}

// ResumeQueue re-enables auto-dispatch and hands back the head item when it
// targets an idle tab, so the caller can dispatch it immediately.
func (r *Registry) ResumeQueue(sessionID string) *ExecutionQueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	s.QueueSuspended = false
	if len(s.Queue) == 0 {
		return nil
	}
	head := s.Queue[0]
	t := s.TabByID(head.TargetTabID)
	if t == nil || t.State != TabIdle || s.BusyTab() != nil {
		return nil
	}
	s.Queue = s.Queue[1:]
	r.persistLocked()
	return head
}

// RemoveQueueItem drops a pending item by id.
func (r *Registry) RemoveQueueItem(sessionID, itemID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("session", sessionID)
	}
	for i, item := range s.Queue {
		if item.ID == itemID {
			s.Queue = append(s.Queue[:i], s.Queue[i+1:]...)
			r.persistLocked()
			r.mu.Unlock()
			return nil
		}
	}
	r.mu.Unlock()
	return errors.NotFound("queue item", itemID)
}

// ClearQueue drops all pending items, used on session delete and on
// explicit user request.
func (r *Registry) ClearQueue(sessionID string) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.Queue = nil
		r.persistLocked()
	}
	r.mu.Unlock()
}
