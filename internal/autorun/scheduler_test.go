package autorun

import (
	"context"
	"os"
	"path/filepath"
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
	"github.com/maestro/maestro/internal/session"
)

// fakeDispatcher stands in for the supervisor. Each test installs fn to
// script the agent's behavior; publishing PromptDone on the bus is how a
// prompt "finishes".
type fakeDispatcher struct {
	fn func(call int, sessionID, text string) error

	mu    sync.Mutex
	calls []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, sessionID, _ string, text string, _ []string) error {
	d.mu.Lock()
	call := len(d.calls)
	d.calls = append(d.calls, text)
	d.mu.Unlock()
	return d.fn(call, sessionID, text)
}

func (d *fakeDispatcher) callTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type schedTest struct {
	sched  *Scheduler
	disp   *fakeDispatcher
	reg    *session.Registry
	sess   *session.Session
	bus    bus.EventBus
	folder string
	ended  chan *bus.Event
}

func newSchedTest(t *testing.T) *schedTest {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	cfg := &config.Config{ConfigDir: t.TempDir()}
	cfg.Supervisor.StreamCoalesceSeconds = 5

	agents := agent.NewRegistry(log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	reg := session.NewRegistry(cfg, agents, session.NewStore(cfg, log), eventBus, log)

	sess, err := reg.Create(t.TempDir(), agent.KindClaude, "workspace")
	require.NoError(t, err)
	folder := t.TempDir()
	require.NoError(t, reg.SetAutoRunFolder(sess.ID, folder, ""))

	disp := &fakeDispatcher{}
	sched, err := NewScheduler(cfg, reg, disp, NewStore(cfg, log), NewStatsStore(cfg, log), nil, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(sched.Close)

	st := &schedTest{
		sched:  sched,
		disp:   disp,
		reg:    reg,
		sess:   sess,
		bus:    eventBus,
		folder: folder,
		ended:  make(chan *bus.Event, 4),
	}
	_, err = eventBus.Subscribe(events.BatchEnded, func(_ context.Context, ev *bus.Event) error {
		st.ended <- ev
		return nil
	})
	require.NoError(t, err)
	return st
}

func (st *schedTest) writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(st.folder, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (st *schedTest) completePrompt(isError, interrupted bool) {
	_ = st.bus.Publish(context.Background(), events.PromptDone,
		bus.NewEvent(events.PromptDone, "test", map[string]any{
			"sessionId":   st.sess.ID,
			"isError":     isError,
			"interrupted": interrupted,
		}))
}

func (st *schedTest) reportError(recoverable bool) {
	_ = st.bus.Publish(context.Background(), events.AgentErrored,
		bus.NewEvent(events.AgentErrored, "test", map[string]any{
			"sessionId":   st.sess.ID,
			"kind":        "AGENT_ERROR",
			"message":     "boom",
			"recoverable": recoverable,
		}))
}

func waitEnded(t *testing.T, ch chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not end in time")
		return nil
	}
}

func TestScheduler_RunsTasksInOrderAndChecksThemOff(t *testing.T) {
	st := newSchedTest(t)
	docPath := st.writeDoc(t, "plan.md", "- [ ] first\n- [ ] second\n")

	st.disp.fn = func(_ int, _, _ string) error {
		st.completePrompt(false, false)
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "completed", ev.Data["reason"])
	assert.Equal(t, 2, ev.Data["completedTasks"])
	assert.Equal(t, 2, ev.Data["totalTasks"])

	assert.Equal(t, []string{"first", "second"}, st.disp.callTexts())

	data, err := os.ReadFile(docPath)
	require.NoError(t, err)
	assert.Equal(t, "- [x] first\n- [x] second\n", string(data))

	_, running := st.sched.State(st.sess.ID)
	assert.False(t, running, "run record must be released")
}

func TestScheduler_PromptPrefixAndTemplates(t *testing.T) {
	st := newSchedTest(t)
	st.writeDoc(t, "plan.md", "- [ ] touch {{DOCUMENT_NAME}}\n")

	st.disp.fn = func(_ int, _, _ string) error {
		st.completePrompt(false, false)
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"}, Prompt: "Work carefully.",
	})
	require.NoError(t, err)
	waitEnded(t, st.ended)

	calls := st.disp.callTexts()
	require.Len(t, calls, 1)
	assert.Equal(t, "Work carefully.\n\ntouch plan.md", calls[0])
}

func TestScheduler_AllCheckedEndsWithoutDispatching(t *testing.T) {
	st := newSchedTest(t)
	st.writeDoc(t, "plan.md", "- [x] done\n- [x] also done\n")

	st.disp.fn = func(_ int, _, _ string) error {
		t.Error("nothing should dispatch")
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "completed", ev.Data["reason"])
	assert.Equal(t, 0, ev.Data["completedTasks"])
	assert.Empty(t, st.disp.callTexts())
}

func TestScheduler_InterruptEndsWithoutMarking(t *testing.T) {
	st := newSchedTest(t)
	docPath := st.writeDoc(t, "plan.md", "- [ ] risky\n- [ ] never reached\n")

	st.disp.fn = func(_ int, _, _ string) error {
		st.completePrompt(false, true)
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "stopped", ev.Data["reason"])
	assert.Equal(t, 0, ev.Data["completedTasks"])

	data, err := os.ReadFile(docPath)
	require.NoError(t, err)
	assert.Equal(t, "- [ ] risky\n- [ ] never reached\n", string(data),
		"interrupted task must stay unchecked for re-run")
}

func TestScheduler_RecoverableErrorRetriedOnce(t *testing.T) {
	st := newSchedTest(t)
	docPath := st.writeDoc(t, "plan.md", "- [ ] flaky\n")

	st.disp.fn = func(call int, _, _ string) error {
		if call == 0 {
			st.reportError(true)
			time.Sleep(100 * time.Millisecond)
			st.completePrompt(true, false)
			return nil
		}
		st.completePrompt(false, false)
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "completed", ev.Data["reason"])
	assert.Len(t, st.disp.callTexts(), 2)

	data, err := os.ReadFile(docPath)
	require.NoError(t, err)
	assert.Equal(t, "- [x] flaky\n", string(data))
}

func TestScheduler_SecondErrorIsTerminal(t *testing.T) {
	st := newSchedTest(t)
	docPath := st.writeDoc(t, "plan.md", "- [ ] cursed\n")

	st.disp.fn = func(_ int, _, _ string) error {
		st.reportError(true)
		time.Sleep(100 * time.Millisecond)
		st.completePrompt(true, false)
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "error", ev.Data["reason"])
	assert.Len(t, st.disp.callTexts(), 2, "one retry, then terminal")

	data, err := os.ReadFile(docPath)
	require.NoError(t, err)
	assert.Equal(t, "- [ ] cursed\n", string(data))
}

func TestScheduler_WriteLockedWaitsForIdle(t *testing.T) {
	st := newSchedTest(t)
	st.writeDoc(t, "plan.md", "- [ ] patient\n")

	st.disp.fn = func(call int, sessionID, _ string) error {
		if call == 0 {
			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = st.bus.Publish(context.Background(), events.SessionStateChanged,
					bus.NewEvent(events.SessionStateChanged, "test", map[string]any{
						"sessionId": sessionID,
						"state":     "idle",
					}))
			}()
			return errors.WriteLocked(sessionID, "other-tab")
		}
		st.completePrompt(false, false)
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "completed", ev.Data["reason"])
	assert.Len(t, st.disp.callTexts(), 2, "refused dispatch plus the retry")
}

func TestScheduler_LoopBoundedByMaxLoops(t *testing.T) {
	st := newSchedTest(t)
	docPath := st.writeDoc(t, "plan.md", "- [ ] seed\n")

	st.disp.fn = func(call int, _, _ string) error {
		// The agent adds one follow-up task per prompt, which would loop
		// forever without the bound.
		f, err := os.OpenFile(docPath, os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString("- [ ] follow-up " + string(rune('a'+call)) + "\n")
			f.Close()
		}
		st.completePrompt(false, false)
		return nil
	}

	two := 2
	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
		LoopEnabled: true, MaxLoops: &two,
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "completed", ev.Data["reason"])
	// Iteration 1 runs the seed; iteration 2 runs the follow-up it spawned.
	assert.Len(t, st.disp.callTexts(), 2)
	assert.Equal(t, 2, ev.Data["completedTasks"])
}

func TestScheduler_BoundedLoopRunsOutEmptyPasses(t *testing.T) {
	st := newSchedTest(t)
	st.writeDoc(t, "plan.md", "- [ ] only once\n")

	st.disp.fn = func(_ int, _, _ string) error {
		st.completePrompt(false, false)
		return nil
	}

	var mu sync.Mutex
	maxIteration := 0
	_, err := st.bus.Subscribe(events.BatchStateChanged, func(_ context.Context, ev *bus.Event) error {
		if state, ok := ev.Data["state"].(BatchState); ok {
			mu.Lock()
			if state.LoopIteration > maxIteration {
				maxIteration = state.LoopIteration
			}
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	three := 3
	err = st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
		LoopEnabled: true, MaxLoops: &three,
	})
	require.NoError(t, err)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "completed", ev.Data["reason"])
	assert.Len(t, st.disp.callTexts(), 1, "nothing re-adds tasks, so only the seed runs")
	assert.Equal(t, 1, ev.Data["completedTasks"])

	// State events fan out on their own subscription; give the last ones a
	// moment to land.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, maxIteration, "empty passes still advance the bounded loop")
}

func TestScheduler_RerunSkipsCheckedTasks(t *testing.T) {
	st := newSchedTest(t)
	st.writeDoc(t, "plan.md", "- [x] done earlier\n- [ ] pending\n")

	st.disp.fn = func(_ int, _, _ string) error {
		st.completePrompt(false, false)
		return nil
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)
	waitEnded(t, st.ended)

	assert.Equal(t, []string{"pending"}, st.disp.callTexts())
}

func TestScheduler_StartPreconditions(t *testing.T) {
	st := newSchedTest(t)
	st.writeDoc(t, "plan.md", "- [ ] task\n")

	// Busy session refuses a batch.
	require.NoError(t, st.reg.BeginDispatch(st.sess.ID, st.sess.Tabs[0].ID))
	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionBusy))
	_, err = st.reg.CompletePrompt(st.sess.ID, st.sess.Tabs[0].ID)
	require.NoError(t, err)

	// A playbook with an unreadable document fails before any dispatch.
	err = st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"missing.md"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodePlaybookInvalid))

	// No documents at all is invalid too.
	err = st.sched.Start(context.Background(), st.sess.ID, &Playbook{ID: "pb", Name: "plan"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodePlaybookInvalid))
	assert.Empty(t, st.disp.callTexts())
}

func TestScheduler_StopLetsInFlightPromptFinish(t *testing.T) {
	st := newSchedTest(t)
	docPath := st.writeDoc(t, "plan.md", "- [ ] in flight\n- [ ] never dispatched\n")

	inFlight := make(chan struct{})
	st.disp.fn = func(_ int, _, _ string) error {
		close(inFlight)
		return nil // completion arrives later
	}

	err := st.sched.Start(context.Background(), st.sess.ID, &Playbook{
		ID: "pb", Name: "plan", Documents: []string{"plan.md"},
	})
	require.NoError(t, err)

	<-inFlight
	require.NoError(t, st.sched.Stop(st.sess.ID))
	st.completePrompt(false, false)

	ev := waitEnded(t, st.ended)
	assert.Equal(t, "stopped", ev.Data["reason"])
	assert.Equal(t, 1, ev.Data["completedTasks"], "finished prompt still marks its task")
	assert.Len(t, st.disp.callTexts(), 1)

	data, err := os.ReadFile(docPath)
	require.NoError(t, err)
	assert.Equal(t, "- [x] in flight\n- [ ] never dispatched\n", string(data))
}

func TestScheduler_StopUnknownBatch(t *testing.T) {
	st := newSchedTest(t)
	err := st.sched.Stop(st.sess.ID)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
