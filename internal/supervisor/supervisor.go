// Package supervisor owns the lifecycle of every session's agent child
// process: spawn in a PTY, stream and parse output, dispatch prompts,
// interrupt, and reap. It translates parser events into session registry
// updates, which is where the engine's invariants are enforced.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/agent"
	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
	"github.com/maestro/maestro/internal/session"
	"github.com/maestro/maestro/internal/tracing"
)

// child is one live agent process bound to a session.
type child struct {
	sessionID string
	kind      agent.Kind
	desc      *agent.Descriptor
	cmd       *exec.Cmd
	pty       PtyHandle
	parser    agent.Parser
	tracker   *termTracker

	mu               sync.Mutex
	busyTabID        string
	interruptPending bool
	interruptAck     chan struct{}
}

// Supervisor spawns and supervises agent children, one per session at most.
type Supervisor struct {
	cfg      *config.Config
	registry *session.Registry
	agents   *agent.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	children map[string]*child
}

// New creates the supervisor and hooks session deletion so live children
// are reaped before their session record disappears.
func New(cfg *config.Config, registry *session.Registry, agents *agent.Registry, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		registry: registry,
		agents:   agents,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		children: make(map[string]*child),
	}
	registry.SetDeleteHook(func(sess *session.Session) {
		s.reap(sess.ID)
	})
	return s
}

// Capabilities reports the capability flags of an agent kind so callers can
// degrade gracefully.
func (s *Supervisor) Capabilities(kind agent.Kind) (agent.Capabilities, error) {
	desc, err := s.agents.Get(kind)
	if err != nil {
		return agent.Capabilities{}, err
	}
	return desc.Capabilities, nil
}

// HasChild reports whether a session has a live agent process.
func (s *Supervisor) HasChild(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[sessionID]
	return ok
}

// Dispatch sends a prompt to a session's agent via the target tab,
// spawning the child if needed. Preconditions (tab idle, write lock free)
// are checked by the registry; failures have no side effects.
func (s *Supervisor) Dispatch(ctx context.Context, sessionID, tabID, text string, images []string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if tabID == "" {
		tabID = sess.ActiveTabID
	}

	// Resolve before acquiring the write lock so a missing agent CLI
	// leaves session state untouched.
	if _, err := s.agents.Resolve(sess.AgentKind, sess.ExecutableOverride); err != nil {
		return err
	}

	if err := s.registry.BeginDispatch(sessionID, tabID); err != nil {
		return err
	}

	ctx, span := tracing.TraceDispatch(ctx, sessionID, tabID, string(sess.AgentKind))
	err = s.dispatchLocked(ctx, sess, tabID, text, images)
	tracing.EndSpan(span, err)
	return err
}

func (s *Supervisor) dispatchLocked(ctx context.Context, sess *session.Session, tabID, text string, images []string) error {
	c, err := s.ensureChild(sess, tabID)
	if err != nil {
		_ = s.registry.FailTab(sess.ID, tabID, session.ErrorRecord{
			Kind:    "spawn",
			Message: err.Error(),
			At:      time.Now().UTC(),
		})
		return err
	}

	c.mu.Lock()
	c.busyTabID = tabID
	c.mu.Unlock()

	_ = s.registry.AppendUserInput(sess.ID, tabID, text, images)

	data, err := c.desc.EncodePrompt(text)
	if err == nil {
		_, err = c.pty.Write(data)
	}
	if err != nil {
		_ = s.registry.FailTab(sess.ID, tabID, session.ErrorRecord{
			Kind:    "dispatch",
			Message: err.Error(),
			At:      time.Now().UTC(),
		})
		return errors.AgentError(string(sess.AgentKind), "failed to write prompt to agent: "+err.Error(), true)
	}

	if c.tracker != nil {
		c.tracker.beginTracking()
	}
	return nil
}

// ensureChild returns the session's live child, spawning one if absent.
// At most one child exists per session at any instant.
func (s *Supervisor) ensureChild(sess *session.Session, tabID string) (*child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.children[sess.ID]; ok {
		return c, nil
	}

	resolved, err := s.agents.Resolve(sess.AgentKind, sess.ExecutableOverride)
	if err != nil {
		return nil, err
	}
	desc := resolved.Descriptor

	opts := agent.SpawnOptions{WorkingDir: sess.WorkingDir, Model: sess.Model}
	var args []string
	tab := sess.TabByID(tabID)
	if tab != nil && tab.AgentSessionID != "" && desc.ResumeArgs != nil {
		args = desc.ResumeArgs(tab.AgentSessionID, opts)
	} else {
		args = desc.SpawnArgs(opts)
	}

	cmd := exec.Command(resolved.Executable, args...)
	cmd.Dir = sess.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcGroup(cmd)

	cols, rows := s.cfg.Supervisor.PtyCols, s.cfg.Supervisor.PtyRows
	handle, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, errors.AgentError(string(sess.AgentKind), "failed to start agent in pty: "+err.Error(), false)
	}

	c := &child{
		sessionID: sess.ID,
		kind:      sess.AgentKind,
		desc:      desc,
		cmd:       cmd,
		pty:       handle,
		parser:    desc.NewParser(),
	}
	if sess.AgentKind == agent.KindShell || sess.InputMode == session.ModeShell {
		c.tracker = newTermTracker(cols, rows, defaultShellIdleTimeout, func() {
			s.handlePromptComplete(c, agent.PromptComplete{})
		})
	}

	s.children[sess.ID] = c

	s.logger.Info("spawned agent child",
		zap.String("session_id", sess.ID),
		zap.String("agent_kind", string(sess.AgentKind)),
		zap.String("executable", resolved.Executable),
		zap.Int("pid", cmd.Process.Pid))
	s.publish(events.AgentSpawned, map[string]any{
		"sessionId": sess.ID,
		"agentKind": string(sess.AgentKind),
		"pid":       cmd.Process.Pid,
	})

	go s.readLoop(c)
	go s.waitLoop(c)
	return c, nil
}

// Resume spawns a child against a tab's bound upstream session and marks
// the tab busy, tolerating agents that report themselves mid-response.
func (s *Supervisor) Resume(sessionID, tabID string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	c, err := s.ensureChild(sess, tabID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.busyTabID = tabID
	c.mu.Unlock()
	return s.registry.MarkBusyOnResume(sessionID, tabID)
}

// Interrupt asks the session's agent to stop its current work. The child
// is not killed: the agent gets the interrupt signal and a grace window to
// surface completion before escalation to SIGTERM then SIGKILL. The
// execution queue is suspended either way.
func (s *Supervisor) Interrupt(sessionID string) error {
	s.mu.Lock()
	c, ok := s.children[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.registry.SuspendQueue(sessionID)

	c.mu.Lock()
	if c.interruptPending {
		c.mu.Unlock()
		return nil
	}
	c.interruptPending = true
	ack := make(chan struct{})
	c.interruptAck = ack
	c.mu.Unlock()

	pid := c.cmd.Process.Pid
	if err := signalProcessGroup(pid, c.desc.InterruptSignal); err != nil {
		s.logger.Warn("failed to signal agent",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	go s.escalate(c, ack)
	return nil
}

// escalate enforces the interrupt grace: if the agent does not surface
// completion in time, the process group gets SIGTERM and, failing that,
// SIGKILL. Cleanup then happens on the exit path.
func (s *Supervisor) escalate(c *child, ack <-chan struct{}) {
	grace := s.cfg.Supervisor.InterruptGrace()
	select {
	case <-ack:
		return
	case <-time.After(grace):
	}

	pid := c.cmd.Process.Pid
	s.logger.Warn("agent ignored interrupt, escalating",
		zap.String("session_id", c.sessionID),
		zap.Duration("grace", grace))
	_ = terminateProcessGroup(pid)

	select {
	case <-ack:
	case <-time.After(2 * time.Second):
		_ = killProcessGroup(pid)
	}
}

// readLoop streams the PTY until EOF, feeding the adapter parser.
func (s *Supervisor) readLoop(c *child) {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.pty.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if c.tracker != nil {
				c.tracker.observe(chunk)
			}
			s.handleEvents(c, c.parser.Feed(chunk))
		}
		if err != nil {
			s.handleEvents(c, c.parser.Flush())
			return
		}
	}
}

// handleEvents maps parser events onto registry updates.
func (s *Supervisor) handleEvents(c *child, evs []agent.Event) {
	for _, ev := range evs {
		tabID := s.currentTab(c)
		switch e := ev.(type) {
		case agent.SessionIDAssigned:
			_ = s.registry.BindAgentSessionID(c.sessionID, tabID, e.SessionID)

		case agent.ResponseToken:
			_ = s.registry.AppendOutput(c.sessionID, tabID, session.SourceStdout, e.Text)

		case agent.RawOutput:
			_ = s.registry.AppendOutput(c.sessionID, tabID, session.SourceStdout, e.Text)

		case agent.ToolUse:
			_ = s.registry.AppendToolUse(c.sessionID, tabID, e.Name, e.Input)

		case agent.UsageUpdate:
			_ = s.registry.UpdateUsage(c.sessionID, tabID, session.UsageStats{
				InputTokens:   e.InputTokens,
				OutputTokens:  e.OutputTokens,
				CacheTokens:   e.CacheTokens,
				CostUSD:       e.CostUSD,
				ContextWindow: e.ContextWindow,
			})

		case agent.Error:
			_ = s.registry.RecordTabError(c.sessionID, tabID, session.ErrorRecord{
				Kind:        e.Kind,
				Message:     e.Message,
				Recoverable: e.Recoverable,
				At:          time.Now().UTC(),
			})

		case agent.PromptComplete:
			s.handlePromptComplete(c, e)
		}
	}
}

// handlePromptComplete returns the busy tab to idle. If an interrupt was
// pending the completion is recorded as a synthetic Interrupted error and
// the queue stays suspended; otherwise the next queued item for this tab is
// auto-dispatched, recursively lock-checked.
func (s *Supervisor) handlePromptComplete(c *child, ev agent.PromptComplete) {
	c.mu.Lock()
	tabID := c.busyTabID
	c.busyTabID = ""
	interrupted := c.interruptPending
	c.interruptPending = false
	ack := c.interruptAck
	c.interruptAck = nil
	c.mu.Unlock()

	if c.tracker != nil {
		c.tracker.stop()
	}
	if tabID == "" {
		if sess, err := s.registry.Get(c.sessionID); err == nil {
			if busy := sess.BusyTab(); busy != nil {
				tabID = busy.ID
			}
		}
	}
	if tabID == "" {
		return
	}

	if ack != nil {
		close(ack)
	}

	s.publish(events.PromptDone, map[string]any{
		"sessionId":   c.sessionID,
		"tabId":       tabID,
		"result":      ev.Result,
		"isError":     ev.IsError,
		"interrupted": interrupted,
		"durationMs":  ev.DurationMS,
	})

	if interrupted {
		_ = s.registry.FailTab(c.sessionID, tabID, session.ErrorRecord{
			Kind:        errors.ErrCodeInterrupted,
			Message:     "interrupted by user",
			Recoverable: true,
			At:          time.Now().UTC(),
		})
		return
	}

	next, err := s.registry.CompletePrompt(c.sessionID, tabID)
	if err != nil || next == nil {
		return
	}
	go func() {
		if dispatchErr := s.Dispatch(context.Background(), c.sessionID, next.TargetTabID, next.Text, next.Images); dispatchErr != nil {
			s.logger.Warn("queued dispatch failed",
				zap.String("session_id", c.sessionID),
				zap.Error(dispatchErr))
		}
	}()
}

// waitLoop reaps the child on exit. A still-busy tab is returned to idle,
// with an error record when the exit was abnormal; the child handle is
// cleared so the next dispatch re-spawns.
func (s *Supervisor) waitLoop(c *child) {
	exitCode, signalName, _ := waitPtyProcess(c.cmd)

	s.mu.Lock()
	delete(s.children, c.sessionID)
	s.mu.Unlock()

	_ = c.pty.Close()
	if c.tracker != nil {
		c.tracker.stop()
	}

	c.mu.Lock()
	tabID := c.busyTabID
	c.busyTabID = ""
	interrupted := c.interruptPending
	c.interruptPending = false
	ack := c.interruptAck
	c.interruptAck = nil
	c.mu.Unlock()

	if ack != nil {
		close(ack)
	}

	if tabID != "" {
		switch {
		case interrupted:
			_ = s.registry.FailTab(c.sessionID, tabID, session.ErrorRecord{
				Kind:        errors.ErrCodeInterrupted,
				Message:     "interrupted by user",
				Recoverable: true,
				At:          time.Now().UTC(),
			})
		case exitCode != 0:
			msg := fmt.Sprintf("agent exited with code %d", exitCode)
			if signalName != "" {
				msg = fmt.Sprintf("agent killed by %s", signalName)
			}
			_ = s.registry.FailTab(c.sessionID, tabID, session.ErrorRecord{
				Kind:    "exit",
				Message: msg,
				At:      time.Now().UTC(),
			})
		default:
			_, _ = s.registry.CompletePrompt(c.sessionID, tabID)
		}
	}

	s.logger.Info("agent child exited",
		zap.String("session_id", c.sessionID),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName))
	s.publish(events.AgentExited, map[string]any{
		"sessionId": c.sessionID,
		"exitCode":  exitCode,
		"signal":    signalName,
	})
}

// WriteRaw passes bytes straight to the child's PTY. Used for shell-mode
// keystroke passthrough.
func (s *Supervisor) WriteRaw(sessionID string, data []byte) error {
	s.mu.Lock()
	c, ok := s.children[sessionID]
	s.mu.Unlock()
	if !ok {
		return errors.NotFound("agent process", sessionID)
	}
	_, err := c.pty.Write(data)
	return err
}

// Resize adjusts the child's PTY window.
func (s *Supervisor) Resize(sessionID string, cols, rows uint16) error {
	s.mu.Lock()
	c, ok := s.children[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return c.pty.Resize(cols, rows)
}

// reap force-kills a session's child. Used on session delete and shutdown.
func (s *Supervisor) reap(sessionID string) {
	s.mu.Lock()
	c, ok := s.children[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = killProcessGroup(c.cmd.Process.Pid)
}

// Shutdown kills every live child. Exit handling runs through the normal
// wait path.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.reap(id)
	}
}

func (s *Supervisor) currentTab(c *child) string {
	c.mu.Lock()
	tabID := c.busyTabID
	c.mu.Unlock()
	if tabID != "" {
		return tabID
	}
	if sess, err := s.registry.Get(c.sessionID); err == nil {
		return sess.ActiveTabID
	}
	return ""
}

func (s *Supervisor) publish(subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "supervisor", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
