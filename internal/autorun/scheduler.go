package autorun

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
	"github.com/maestro/maestro/internal/history"
	"github.com/maestro/maestro/internal/session"
	"github.com/maestro/maestro/internal/tracing"
)

// Dispatcher sends one prompt to a session's agent. Satisfied by the
// supervisor.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, tabID, text string, images []string) error
}

// promptResult is the terminal outcome of one dispatched prompt.
type promptResult struct {
	isError     bool
	interrupted bool
}

// run is one in-flight batch. Event routing writes to its channels; the
// runLoop goroutine is the only reader.
type run struct {
	sessionID   string
	sessionName string
	workspace   string
	playbook    *Playbook
	folder      string
	worktree    *Worktree

	mu       sync.Mutex
	state    BatchState
	stopping bool
	lastErr  *session.ErrorRecord

	promptCh chan promptResult
	idleCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Scheduler runs Auto Run batches: at most one per session, each on its own
// goroutine, advanced purely by bus events rather than polling.
type Scheduler struct {
	cfg        *config.Config
	registry   *session.Registry
	dispatcher Dispatcher
	store      *Store
	stats      *StatsStore
	hist       *history.Writer
	bus        bus.EventBus
	logger     *logger.Logger

	mu   sync.Mutex
	runs map[string]*run

	subs []bus.Subscription
}

// NewScheduler wires the scheduler into the event bus.
func NewScheduler(cfg *config.Config, registry *session.Registry, dispatcher Dispatcher, store *Store, stats *StatsStore, hist *history.Writer, eventBus bus.EventBus, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		stats:      stats,
		hist:       hist,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "autorun")),
		runs:       make(map[string]*run),
	}

	for subject, handler := range map[string]bus.EventHandler{
		events.PromptDone:          s.onPromptDone,
		events.AgentErrored:        s.onAgentErrored,
		events.SessionStateChanged: s.onStateChanged,
	} {
		sub, err := eventBus.Subscribe(subject, handler)
		if err != nil {
			return nil, errors.Wrap(err, "subscribe scheduler events")
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

// Close unsubscribes from the bus. Running batches are not stopped.
func (s *Scheduler) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
}

// State returns a snapshot of a session's batch state, if one is running.
func (s *Scheduler) State(sessionID string) (BatchState, bool) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return BatchState{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, true
}

// Start begins a batch for a session. The session must be fully idle: no
// busy tab, no queued prompts, no batch here or in another engine process.
// Every document is parsed up front so an unreadable playbook fails before
// any prompt is dispatched.
func (s *Scheduler) Start(ctx context.Context, sessionID string, playbook *Playbook) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !sess.IsIdle() {
		return errors.SessionBusy(sessionID)
	}
	if act, busy := ActiveActivity(s.cfg, sessionID); busy && act.PID != os.Getpid() {
		return errors.SessionBusy(sessionID)
	}
	folder := sess.AutoRun.FolderPath
	if folder == "" {
		return errors.PlaybookInvalid("", "session has no Auto Run folder")
	}
	if len(playbook.Documents) == 0 {
		return errors.PlaybookInvalid(playbook.Name, "playbook has no documents")
	}

	// Parse everything before dispatching anything.
	totalUnchecked := 0
	for _, doc := range playbook.Documents {
		content, readErr := os.ReadFile(filepath.Join(folder, doc))
		if readErr != nil {
			return errors.PlaybookInvalid(doc, "unreadable document")
		}
		totalUnchecked += len(UncheckedTasks(ParseDocument(string(content))))
	}

	s.mu.Lock()
	if _, exists := s.runs[sessionID]; exists {
		s.mu.Unlock()
		return errors.SessionBusy(sessionID)
	}
	now := time.Now().UTC()
	r := &run{
		sessionID:   sessionID,
		sessionName: sess.Name,
		workspace:   sess.WorkingDir,
		playbook:    playbook,
		folder:      folder,
		promptCh:    make(chan promptResult, 8),
		idleCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		state: BatchState{
			Running:             true,
			Documents:           playbook.Documents,
			PlaybookID:          playbook.ID,
			SessionID:           sessionID,
			TotalTasks:          totalUnchecked,
			LoopEnabled:         playbook.LoopEnabled,
			MaxLoops:            playbook.MaxLoops,
			StartTime:           now,
			LastActiveTimestamp: &now,
		},
	}
	s.runs[sessionID] = r
	s.mu.Unlock()

	if playbook.Worktree != nil {
		wt, wtErr := CreateWorktree(ctx, sess.WorkingDir, playbook.Worktree, sess.Name, s.logger)
		if wtErr != nil {
			s.removeRun(sessionID)
			return wtErr
		}
		if dirErr := s.registry.UpdateWorkingDir(sessionID, wt.Path); dirErr != nil {
			wt.Finish(ctx, nil, s.logger)
			s.removeRun(sessionID)
			return dirErr
		}
		r.worktree = wt
		r.mu.Lock()
		r.state.WorktreeBranch = wt.Branch
		r.mu.Unlock()
	}

	if err := WriteActivity(s.cfg, sessionID, CLIActivity{
		PlaybookID:   playbook.ID,
		PlaybookName: playbook.Name,
	}); err != nil {
		s.logger.Warn("failed to write activity record", zap.Error(err))
	}

	s.publishState(r, PhasePreparing)
	go s.runLoop(r)
	return nil
}

// Stop requests a graceful end. A prompt already in flight is allowed to
// finish and its task is still marked; nothing further dispatches.
func (s *Scheduler) Stop(sessionID string) error {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return errors.NotFound("batch", sessionID)
	}
	r.mu.Lock()
	r.stopping = true
	r.state.Stopping = true
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopCh) })
	s.publishState(r, PhaseFinalizing)
	return nil
}

// Suspend folds elapsed time when the host machine sleeps or the window
// hides; Wake resumes accumulation. Progress math is unaffected.
func (s *Scheduler) Suspend(sessionID string) {
	s.withRun(sessionID, func(r *run) {
		r.foldElapsedLocked(time.Now().UTC())
		r.state.LastActiveTimestamp = nil
	})
}

// Wake resumes elapsed-time accumulation after Suspend.
func (s *Scheduler) Wake(sessionID string) {
	s.withRun(sessionID, func(r *run) {
		now := time.Now().UTC()
		r.state.LastActiveTimestamp = &now
	})
}

func (s *Scheduler) withRun(sessionID string, fn func(*run)) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

// foldElapsedLocked moves wall time since LastActiveTimestamp into the
// accumulated counter. Caller holds r.mu.
func (r *run) foldElapsedLocked(now time.Time) {
	if r.state.LastActiveTimestamp == nil {
		return
	}
	r.state.AccumulatedElapsedMs += now.Sub(*r.state.LastActiveTimestamp).Milliseconds()
	r.state.LastActiveTimestamp = &now
}

func (r *run) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// taskOutcome is the result of running one task end to end.
type taskOutcome int

const (
	taskDone taskOutcome = iota
	taskStopped
	taskFailed
)

func (s *Scheduler) runLoop(r *run) {
	ctx := context.Background()
	outcome := taskDone

loop:
	for iteration := 0; ; iteration++ {
		dispatched := 0
		for docIdx, doc := range r.playbook.Documents {
			if r.stopRequested() {
				outcome = taskStopped
				break loop
			}

			docPath := filepath.Join(r.folder, doc)
			content, err := os.ReadFile(docPath)
			if err != nil {
				s.logger.Error("document vanished mid-batch",
					zap.String("document", doc), zap.Error(err))
				outcome = taskFailed
				break loop
			}
			unchecked := UncheckedTasks(ParseDocument(string(content)))

			r.mu.Lock()
			r.state.CurrentDoc = docIdx
			r.state.CurrentDocTotal = len(unchecked)
			r.state.CurrentDocCompleted = 0
			if iteration > 0 {
				// Loop iterations extend the aggregate plan; the
				// completed count never resets.
				r.state.TotalTasks += len(unchecked)
			}
			r.mu.Unlock()
			s.publishState(r, PhaseDispatching)

			for _, task := range unchecked {
				res := s.runTask(ctx, r, doc, docPath, task, iteration)
				if res != taskDone {
					outcome = res
					break loop
				}
				dispatched++
			}
		}

		if !r.playbook.LoopEnabled {
			break
		}
		if r.playbook.MaxLoops == nil {
			// An unbounded loop ends on the first pass that finds nothing
			// to do.
			if dispatched == 0 {
				break
			}
		} else if iteration+1 >= *r.playbook.MaxLoops {
			// A bounded loop runs out its configured count even through
			// empty passes, so the iteration counter reflects the plan.
			break
		}
		r.mu.Lock()
		r.state.LoopIteration++
		r.mu.Unlock()
	}

	s.finalize(ctx, r, outcome)
}

// runTask dispatches one checkbox task and drives it to a terminal state:
// wait out the write lock without polling, retry one recoverable agent
// error, and rewrite the checkbox only after successful completion.
func (s *Scheduler) runTask(ctx context.Context, r *run, doc, docPath string, task Task, iteration int) taskOutcome {
	prompt := s.buildPrompt(r, task, doc, iteration)

	for attempt := 0; ; attempt++ {
		if r.stopRequested() {
			return taskStopped
		}
		TouchActivity(s.cfg, r.sessionID)

		r.mu.Lock()
		r.lastErr = nil
		r.mu.Unlock()
		// Drop results from foreign prompts that finished while we were
		// waiting on the write lock.
		for {
			select {
			case <-r.promptCh:
				continue
			default:
			}
			break
		}

		spanCtx, span := tracing.TraceBatchTask(ctx, r.sessionID, doc, task.LineIndex, iteration)
		s.publishState(r, PhaseDispatching)
		err := s.dispatcher.Dispatch(spanCtx, r.sessionID, "", prompt, nil)
		if err != nil {
			if errors.IsWriteLocked(err) || errors.IsTabBusy(err) {
				tracing.EndSpan(span, nil)
				// Another prompt holds the session; wait for its idle
				// event rather than polling.
				select {
				case <-r.idleCh:
					attempt--
					continue
				case <-r.stopCh:
					return taskStopped
				}
			}
			tracing.EndSpan(span, err)
			s.logger.Error("task dispatch failed",
				zap.String("session_id", r.sessionID),
				zap.String("document", doc),
				zap.Error(err))
			s.publishState(r, PhaseError)
			return taskFailed
		}

		s.publishState(r, PhaseAwaitingAgent)
		res := <-r.promptCh
		tracing.EndSpan(span, nil)

		if res.interrupted {
			// A user interrupt ends the batch; the checkbox stays
			// unchecked so a re-run resumes here.
			return taskStopped
		}
		if res.isError {
			recoverable := r.takeLastErrRecoverable()
			if recoverable && attempt == 0 {
				s.logger.Warn("recoverable agent error, retrying task once",
					zap.String("session_id", r.sessionID),
					zap.String("document", doc))
				continue
			}
			s.publishState(r, PhaseError)
			return taskFailed
		}

		s.markTaskDone(r, doc, docPath, task)
		return taskDone
	}
}

func (r *run) takeLastErrRecoverable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr == nil {
		return false
	}
	recoverable := r.lastErr.Recoverable
	r.lastErr = nil
	return recoverable
}

func (s *Scheduler) buildPrompt(r *run, task Task, doc string, iteration int) string {
	text := task.Text
	if r.playbook.Prompt != "" {
		text = r.playbook.Prompt + "\n\n" + text
	}
	return ExpandTemplate(text, TemplateContext{
		AgentName:    r.sessionName,
		AgentPath:    r.workspace,
		LoopNumber:   iteration + 1,
		DocumentName: doc,
	})
}

// markTaskDone rewrites the task's checkbox to [x] and persists the edit.
// If the line has been edited away it warns and counts the task anyway so
// one moved line never wedges the batch.
func (s *Scheduler) markTaskDone(r *run, doc, docPath string, task Task) {
	s.publishState(r, PhaseMarkDone)

	content, err := os.ReadFile(docPath)
	if err == nil {
		updated, found := CheckLine(string(content), task)
		if found {
			err = os.WriteFile(docPath, []byte(updated), 0o644)
		} else {
			s.logger.Warn("task line not found for check-off",
				zap.String("document", doc),
				zap.Int("line", task.LineIndex))
		}
	}
	if err != nil {
		s.logger.Warn("failed to persist checkbox edit",
			zap.String("document", doc),
			zap.Error(err))
	}

	r.mu.Lock()
	r.state.CompletedTasks++
	r.state.CurrentDocCompleted++
	completed, total := r.state.CompletedTasks, r.state.TotalTasks
	r.mu.Unlock()

	s.publishEvent(events.BatchTaskDone, map[string]any{
		"sessionId":      r.sessionID,
		"document":       doc,
		"taskText":       task.Text,
		"completedTasks": completed,
		"totalTasks":     total,
	})
	s.publishState(r, PhaseDispatching)
}

// finalize ends the batch: fold elapsed time, undo the worktree redirect,
// record history and stats, and emit the terminal event.
func (s *Scheduler) finalize(ctx context.Context, r *run, outcome taskOutcome) {
	s.publishState(r, PhaseFinalizing)

	now := time.Now().UTC()
	r.mu.Lock()
	r.foldElapsedLocked(now)
	r.state.LastActiveTimestamp = nil
	r.state.Running = false
	elapsed := time.Duration(r.state.AccumulatedElapsedMs) * time.Millisecond
	completed, total := r.state.CompletedTasks, r.state.TotalTasks
	r.mu.Unlock()

	if r.worktree != nil {
		if err := s.registry.UpdateWorkingDir(r.sessionID, r.worktree.RepoDir); err != nil {
			s.logger.Warn("failed to restore working directory", zap.Error(err))
		}
		r.worktree.Finish(ctx, r.playbook.Worktree, s.logger)
	}

	if err := ClearActivity(s.cfg, r.sessionID); err != nil {
		s.logger.Warn("failed to clear activity record", zap.Error(err))
	}

	reason := "completed"
	switch outcome {
	case taskStopped:
		reason = "stopped"
	case taskFailed:
		reason = "error"
	}

	if s.hist != nil {
		s.hist.Append(history.Entry{
			Type:      history.TypeAuto,
			Summary:   r.playbook.Name,
			Response:  reason,
			Workspace: r.workspace,
			SessionID: r.sessionID,
		})
	}
	if s.stats != nil {
		if err := s.stats.RecordRun(elapsed); err != nil {
			s.logger.Warn("failed to record run stats", zap.Error(err))
		}
	}

	s.removeRun(r.sessionID)
	s.publishState(r, PhaseEnded)
	s.publishEvent(events.BatchEnded, map[string]any{
		"sessionId":      r.sessionID,
		"playbookId":     r.playbook.ID,
		"reason":         reason,
		"completedTasks": completed,
		"totalTasks":     total,
		"elapsedMs":      elapsed.Milliseconds(),
	})

	s.logger.Info("batch ended",
		zap.String("session_id", r.sessionID),
		zap.String("reason", reason),
		zap.Int("completed", completed),
		zap.Int("total", total),
		zap.Duration("elapsed", elapsed))
}

func (s *Scheduler) removeRun(sessionID string) {
	s.mu.Lock()
	delete(s.runs, sessionID)
	s.mu.Unlock()
}

// Event routing. Handlers only forward to the owning run's channels.

func (s *Scheduler) onPromptDone(_ context.Context, ev *bus.Event) error {
	r := s.runFor(ev)
	if r == nil {
		return nil
	}
	isError, _ := ev.Data["isError"].(bool)
	interrupted, _ := ev.Data["interrupted"].(bool)
	select {
	case r.promptCh <- promptResult{isError: isError, interrupted: interrupted}:
	default:
		s.logger.Warn("prompt result dropped, batch not awaiting",
			zap.String("session_id", r.sessionID))
	}
	return nil
}

func (s *Scheduler) onAgentErrored(_ context.Context, ev *bus.Event) error {
	r := s.runFor(ev)
	if r == nil {
		return nil
	}
	kind, _ := ev.Data["kind"].(string)
	message, _ := ev.Data["message"].(string)
	recoverable, _ := ev.Data["recoverable"].(bool)
	r.mu.Lock()
	r.lastErr = &session.ErrorRecord{
		Kind:        kind,
		Message:     message,
		Recoverable: recoverable,
		At:          time.Now().UTC(),
	}
	r.mu.Unlock()
	return nil
}

func (s *Scheduler) onStateChanged(_ context.Context, ev *bus.Event) error {
	r := s.runFor(ev)
	if r == nil {
		return nil
	}
	if state, _ := ev.Data["state"].(string); state != string(session.TabIdle) {
		return nil
	}
	select {
	case r.idleCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) runFor(ev *bus.Event) *run {
	sessionID, _ := ev.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[sessionID]
}

func (s *Scheduler) publishState(r *run, phase Phase) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	s.publishEvent(events.BatchStateChanged, map[string]any{
		"sessionId": r.sessionID,
		"phase":     string(phase),
		"state":     state,
	})
}

func (s *Scheduler) publishEvent(subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "autorun", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
