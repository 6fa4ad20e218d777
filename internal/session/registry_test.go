package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/maestro/internal/agent"
	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
)

func testSetup(t *testing.T) (*Registry, *config.Config) {
	r, cfg, _ := testSetupWithBus(t)
	return r, cfg
}

func testSetupWithBus(t *testing.T) (*Registry, *config.Config, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	cfg := &config.Config{ConfigDir: t.TempDir()}
	cfg.Supervisor.StreamCoalesceSeconds = 5

	agents := agent.NewRegistry(log)
	store := NewStore(cfg, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return NewRegistry(cfg, agents, store, eventBus, log), cfg, eventBus
}

func createSession(t *testing.T, r *Registry) *Session {
	t.Helper()
	s, err := r.Create(t.TempDir(), agent.KindClaude, "workspace")
	require.NoError(t, err)
	return s
}

// fetch re-reads a session snapshot after a mutation.
func fetch(t *testing.T, r *Registry, id string) *Session {
	t.Helper()
	s, err := r.Get(id)
	require.NoError(t, err)
	return s
}

func TestCreate_Validation(t *testing.T) {
	r, _ := testSetup(t)

	_, err := r.Create("/definitely/not/a/dir", agent.KindClaude, "x")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidPath))

	_, err = r.Create(t.TempDir(), agent.Kind("gemini"), "x")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownAgent))
}

func TestCreate_StartsWithOneEmptyTab(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	require.Len(t, s.Tabs, 1)
	tab := s.Tabs[0]
	assert.Equal(t, s.ActiveTabID, tab.ID)
	assert.Equal(t, TabIdle, tab.State)
	assert.Empty(t, tab.AgentSessionID)
	assert.Equal(t, s.ID, tab.SessionID)
}

func TestGetReturnsDetachedSnapshot(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	tabID := s.Tabs[0].ID

	before := fetch(t, r, s.ID)

	// Registry mutation after the read must not show up in the old copy.
	require.NoError(t, r.AppendOutput(s.ID, tabID, SourceStdout, "hello"))
	require.NoError(t, r.BeginDispatch(s.ID, tabID))
	assert.Empty(t, before.Tabs[0].Log)
	assert.Equal(t, TabIdle, before.Tabs[0].State)

	// Mutating the copy must not leak back into the registry.
	after := fetch(t, r, s.ID)
	after.Name = "scribbled"
	after.Tabs[0].State = TabError
	after.Tabs[0].Log = append(after.Tabs[0].Log, LogEntry{Text: "fake"})

	check := fetch(t, r, s.ID)
	assert.Equal(t, "workspace", check.Name)
	assert.Equal(t, TabBusy, check.Tabs[0].State)
	require.Len(t, check.Tabs[0].Log, 1)
	assert.Equal(t, "hello", check.Tabs[0].Log[0].Text)
}

func TestSnapshotsSafeDuringConcurrentAppends(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	tabID := s.Tabs[0].ID

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		sources := []LogSource{SourceStdout, SourceStderr}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = r.AppendOutput(s.ID, tabID, sources[i%2], "chunk")
		}
	}()

	for i := 0; i < 200; i++ {
		for _, snap := range r.List() {
			for _, tab := range snap.Tabs {
				for _, entry := range tab.Log {
					_ = len(entry.Text)
				}
			}
		}
	}
	close(stop)
	wg.Wait()
}

func TestWriteLock_SecondDispatchRefused(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	tabA := s.Tabs[0]
	tabB, err := r.CreateTab(s.ID, TabOptions{AgentSessionID: "bbb-2"})
	require.NoError(t, err)

	require.NoError(t, r.BeginDispatch(s.ID, tabA.ID))
	assert.Equal(t, TabBusy, fetch(t, r, s.ID).TabByID(tabA.ID).State)

	err = r.BeginDispatch(s.ID, tabB.ID)
	require.Error(t, err)
	assert.True(t, errors.IsWriteLocked(err))
	assert.Equal(t, TabIdle, fetch(t, r, s.ID).TabByID(tabB.ID).State,
		"refused dispatch must leave the tab untouched")

	// After A completes, B may dispatch.
	_, err = r.CompletePrompt(s.ID, tabA.ID)
	require.NoError(t, err)
	assert.Equal(t, TabIdle, fetch(t, r, s.ID).TabByID(tabA.ID).State)
	require.NoError(t, r.BeginDispatch(s.ID, tabB.ID))
}

func TestWriteLock_BusyTabRefusesItself(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	tab := s.Tabs[0]

	require.NoError(t, r.BeginDispatch(s.ID, tab.ID))
	err := r.BeginDispatch(s.ID, tab.ID)
	require.Error(t, err)
	assert.True(t, errors.IsTabBusy(err))
}

func TestAtMostOneBusyTabViaDispatch(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	for i := 0; i < 4; i++ {
		_, err := r.CreateTab(s.ID, TabOptions{})
		require.NoError(t, err)
	}
	current := fetch(t, r, s.ID)
	for _, tab := range current.Tabs {
		_ = r.BeginDispatch(s.ID, tab.ID)
	}

	busy := 0
	for _, tab := range fetch(t, r, s.ID).Tabs {
		if tab.State == TabBusy {
			busy++
		}
	}
	assert.Equal(t, 1, busy)
}

func TestCloseBusyTabRefused(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	tab := s.Tabs[0]

	require.NoError(t, r.BeginDispatch(s.ID, tab.ID))
	err := r.CloseTab(s.ID, tab.ID)
	require.Error(t, err)
	assert.True(t, errors.IsTabBusy(err))
}

func TestCloseLastTabCreatesFreshActiveTab(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	original := s.Tabs[0]

	require.NoError(t, r.CloseTab(s.ID, original.ID))

	after := fetch(t, r, s.ID)
	require.Len(t, after.Tabs, 1)
	fresh := after.Tabs[0]
	assert.NotEqual(t, original.ID, fresh.ID)
	assert.Equal(t, fresh.ID, after.ActiveTabID)
	assert.Empty(t, fresh.Log)
}

func TestCloseActiveTabActivatesNeighbour(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	b, err := r.CreateTab(s.ID, TabOptions{Name: "b"})
	require.NoError(t, err)
	c, err := r.CreateTab(s.ID, TabOptions{Name: "c"})
	require.NoError(t, err)

	// Close the middle tab while it is active: the next one takes over.
	require.NoError(t, r.SelectTab(s.ID, b.ID))
	require.NoError(t, r.CloseTab(s.ID, b.ID))
	assert.Equal(t, c.ID, fetch(t, r, s.ID).ActiveTabID)

	// Close the now-last tab while active: falls back to the previous.
	require.NoError(t, r.CloseTab(s.ID, c.ID))
	after := fetch(t, r, s.ID)
	assert.Equal(t, after.Tabs[len(after.Tabs)-1].ID, after.ActiveTabID)
}

func TestReopenClosedTab_DuplicateGuard(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	dup, err := r.CreateTab(s.ID, TabOptions{AgentSessionID: "shared-upstream-1"})
	require.NoError(t, err)
	require.NoError(t, r.CloseTab(s.ID, dup.ID))

	// Recreate a live tab bound to the same upstream id.
	live, err := r.CreateTab(s.ID, TabOptions{AgentSessionID: "shared-upstream-1"})
	require.NoError(t, err)

	before := len(fetch(t, r, s.ID).ClosedTabs)
	reopened, err := r.ReopenClosedTab(s.ID)
	require.NoError(t, err)

	after := fetch(t, r, s.ID)
	assert.Equal(t, live.ID, reopened.ID, "must activate the existing tab, not duplicate")
	assert.Equal(t, live.ID, after.ActiveTabID)
	assert.Equal(t, before-1, len(after.ClosedTabs), "undo slot is consumed")
	count := 0
	for _, tab := range after.Tabs {
		if tab.AgentSessionID == "shared-upstream-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestReopenClosedTab_RestoresAtOriginalIndex(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	b, err := r.CreateTab(s.ID, TabOptions{Name: "b"})
	require.NoError(t, err)
	_, err = r.CreateTab(s.ID, TabOptions{Name: "c"})
	require.NoError(t, err)

	require.NoError(t, r.CloseTab(s.ID, b.ID))
	reopened, err := r.ReopenClosedTab(s.ID)
	require.NoError(t, err)

	after := fetch(t, r, s.ID)
	assert.Equal(t, b.ID, reopened.ID)
	assert.Equal(t, b.ID, after.Tabs[1].ID, "reopened at its original index")
	assert.Equal(t, b.ID, after.ActiveTabID)
}

func TestClosedTabRingBounded(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	for i := 0; i < maxClosedTabs+10; i++ {
		tab, err := r.CreateTab(s.ID, TabOptions{})
		require.NoError(t, err)
		require.NoError(t, r.CloseTab(s.ID, tab.ID))
	}
	assert.Len(t, fetch(t, r, s.ID).ClosedTabs, maxClosedTabs)
}

func TestNavigateWraps(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	first := s.Tabs[0]
	second, err := r.CreateTab(s.ID, TabOptions{})
	require.NoError(t, err)

	require.NoError(t, r.SelectTab(s.ID, second.ID))
	require.NoError(t, r.NavigateNext(s.ID))
	assert.Equal(t, first.ID, fetch(t, r, s.ID).ActiveTabID, "next wraps to the first tab")

	require.NoError(t, r.NavigatePrevious(s.ID))
	assert.Equal(t, second.ID, fetch(t, r, s.ID).ActiveTabID, "previous wraps to the last tab")

	require.NoError(t, r.SelectTabByIndex(s.ID, 99))
	assert.Equal(t, second.ID, fetch(t, r, s.ID).ActiveTabID, "out-of-range index is a no-op")
}

func TestTabDisplayNameFallbacks(t *testing.T) {
	tab := &Tab{Name: "explicit"}
	assert.Equal(t, "explicit", tab.DisplayName("sess"))

	tab = &Tab{AgentSessionID: "a1b2c3d4-e5f6-7890"}
	assert.Equal(t, "a1b2c3d4", tab.DisplayName("sess"))

	tab = &Tab{}
	assert.Equal(t, "sess", tab.DisplayName("sess"))
}

func TestTabsChangedCarriesTabViews(t *testing.T) {
	r, _, eventBus := testSetupWithBus(t)
	s := createSession(t, r)

	got := make(chan map[string]any, 8)
	_, err := eventBus.Subscribe(events.TabsChanged, func(_ context.Context, ev *bus.Event) error {
		got <- ev.Data
		return nil
	})
	require.NoError(t, err)

	created, err := r.CreateTab(s.ID, TabOptions{Name: "review"})
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, s.ID, data["sessionId"])
		assert.Equal(t, created.ID, data["activeTabId"])
		tabs, ok := data["tabs"].([]map[string]any)
		require.True(t, ok, "event must carry the tab list")
		require.Len(t, tabs, 2)
		assert.Equal(t, created.ID, tabs[1]["id"])
		assert.Equal(t, "review", tabs[1]["name"])
		assert.Equal(t, string(TabIdle), tabs[1]["state"])
	case <-time.After(2 * time.Second):
		t.Fatal("tabs_changed event not delivered")
	}
}

func TestAppendOutput_Coalescence(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	tabID := s.Tabs[0].ID

	require.NoError(t, r.AppendOutput(s.ID, tabID, SourceStdout, "chunk one "))
	require.NoError(t, r.AppendOutput(s.ID, tabID, SourceStdout, "chunk two"))

	tab := fetch(t, r, s.ID).Tabs[0]
	require.Len(t, tab.Log, 1, "rapid appends coalesce into one entry")
	assert.Equal(t, "chunk one chunk two", tab.Log[0].Text)

	// A stale last-append timestamp opens a new entry.
	r.mu.Lock()
	r.sessions[s.ID].Tabs[0].Log[0].LastAppendAt = time.Now().UTC().Add(-10 * time.Second)
	r.mu.Unlock()
	require.NoError(t, r.AppendOutput(s.ID, tabID, SourceStdout, "later"))
	tab = fetch(t, r, s.ID).Tabs[0]
	require.Len(t, tab.Log, 2)
	assert.Equal(t, "later", tab.Log[1].Text)

	// Different source never merges.
	require.NoError(t, r.AppendOutput(s.ID, tabID, SourceStderr, "oops"))
	assert.Len(t, fetch(t, r, s.ID).Tabs[0].Log, 3)
}

func TestQueue_FIFOAndSuspend(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	tab := s.Tabs[0]

	for _, text := range []string{"one", "two", "three"} {
		_, err := r.Enqueue(s.ID, tab.ID, text, nil)
		require.NoError(t, err)
	}

	require.NoError(t, r.BeginDispatch(s.ID, tab.ID))
	next, err := r.CompletePrompt(s.ID, tab.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "one", next.Text)

	// Interrupt semantics: suspended queue keeps items but stops
	// auto-dispatch.
	r.SuspendQueue(s.ID)
	require.NoError(t, r.BeginDispatch(s.ID, tab.ID))
	next, err = r.CompletePrompt(s.ID, tab.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Len(t, r.QueueSnapshot(s.ID), 2)

	// Explicit resume hands the head back in order.
	head := r.ResumeQueue(s.ID)
	require.NotNil(t, head)
	assert.Equal(t, "two", head.Text)
	head = r.ResumeQueue(s.ID)
	require.NotNil(t, head)
	assert.Equal(t, "three", head.Text)
	assert.Nil(t, r.ResumeQueue(s.ID))
}

func TestFailTabRestoresIdle(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)
	tabID := s.Tabs[0].ID

	require.NoError(t, r.BeginDispatch(s.ID, tabID))
	require.NoError(t, r.FailTab(s.ID, tabID, ErrorRecord{
		Kind: "exit", Message: "exit status 1", At: time.Now().UTC(),
	}))

	tab := fetch(t, r, s.ID).Tabs[0]
	assert.Equal(t, TabIdle, tab.State)
	assert.Nil(t, tab.ThinkingStartTime)
	require.NotNil(t, tab.LastError)
	assert.Equal(t, "exit status 1", tab.LastError.Message)

	// The lock is free again.
	require.NoError(t, r.BeginDispatch(s.ID, tabID))
}

func TestReconcile_ClearsTransientState(t *testing.T) {
	r, cfg := testSetup(t)
	s := createSession(t, r)
	tabID := s.Tabs[0].ID

	require.NoError(t, r.BeginDispatch(s.ID, tabID))
	require.NoError(t, r.AppendOutput(s.ID, tabID, SourceStdout, "persisted output"))
	r.Persist()

	// Simulate a restart: a fresh registry over the same config dir.
	fresh := reloadRegistry(t, cfg)

	restored, err := fresh.Get(s.ID)
	require.NoError(t, err)
	require.Len(t, restored.Tabs, 1)
	got := restored.Tabs[0]
	assert.Equal(t, TabIdle, got.State, "busy state is transient")
	assert.Nil(t, got.ThinkingStartTime)
	require.NotNil(t, got.LastError, "an in-flight prompt lost to restart is surfaced")
	assert.Equal(t, "restart", got.LastError.Kind)
	require.Len(t, got.Log, 1, "logs survive restart")
	assert.Equal(t, "persisted output", got.Log[0].Text)
}

func TestReconcile_ClearsMissingAutoRunFolder(t *testing.T) {
	r, cfg := testSetup(t)
	s := createSession(t, r)

	kept := t.TempDir()
	require.NoError(t, r.SetAutoRunFolder(s.ID, kept, "plan.md"))
	r.Persist()

	// Folder still present: binding survives.
	fresh := reloadRegistry(t, cfg)
	restored, err := fresh.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, kept, restored.AutoRun.FolderPath)

	// Rewrite the persisted record to point at a vanished directory.
	fresh.mu.Lock()
	fresh.sessions[s.ID].AutoRun.FolderPath = kept + "-gone"
	fresh.persistLocked()
	fresh.mu.Unlock()

	again := reloadRegistry(t, cfg)
	restored, err = again.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, restored.AutoRun.FolderPath, "dangling folder binding is cleared")
	assert.Empty(t, restored.AutoRun.SelectedDocument)
}

func reloadRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	fresh := NewRegistry(cfg, agent.NewRegistry(log), NewStore(cfg, log), eventBus, log)
	fresh.Reconcile()
	return fresh
}

func TestDelete_RunsHookAndRemoves(t *testing.T) {
	r, _ := testSetup(t)
	s := createSession(t, r)

	var reaped *Session
	r.SetDeleteHook(func(sess *Session) { reaped = sess })

	require.NoError(t, r.Delete(s.ID))
	assert.Equal(t, s.ID, reaped.ID)
	_, err := r.Get(s.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, r.List())
}
