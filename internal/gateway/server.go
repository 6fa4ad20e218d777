package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/autorun"
	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
	"github.com/maestro/maestro/internal/session"
	"github.com/maestro/maestro/internal/settings"
	ws "github.com/maestro/maestro/pkg/websocket"
)

// recentLogLimit bounds the per-tab log tail included in snapshots. The
// client fetches older entries over the HTTP side channel when needed.
const recentLogLimit = 50

// AgentController is the supervisor surface the gateway drives.
type AgentController interface {
	Dispatch(ctx context.Context, sessionID, tabID, text string, images []string) error
	Interrupt(sessionID string) error
}

// BatchController reports Auto Run state for snapshots.
type BatchController interface {
	State(sessionID string) (autorun.BatchState, bool)
}

// Server owns the remote gateway: the hub, the frame handlers, and the
// bus-to-frame translation.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	agents   AgentController
	batches  BatchController
	settings *settings.Store
	bus      bus.EventBus
	hub      *Hub
	token    string
	logger   *logger.Logger

	sub bus.Subscription
}

// NewServer builds the gateway and wires it to the event bus. The returned
// server's hub must be started with RunHub.
func NewServer(cfg *config.Config, registry *session.Registry, agents AgentController, batches BatchController, settingsStore *settings.Store, eventBus bus.EventBus, token string, log *logger.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		agents:   agents,
		batches:  batches,
		settings: settingsStore,
		bus:      eventBus,
		token:    token,
		logger:   log.WithFields(zap.String("component", "gateway")),
	}
	s.hub = newHub(s, log)

	sub, err := eventBus.Subscribe(events.Wildcard, s.onBusEvent)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe gateway events")
	}
	s.sub = sub
	return s, nil
}

// RunHub runs the hub loop until the context ends.
func (s *Server) RunHub(ctx context.Context) {
	s.hub.Run(ctx)
}

// Close unsubscribes the gateway from the bus.
func (s *Server) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// frameTypeFor maps bus subjects to remote protocol frame types. Subjects
// with no mapping stay engine-internal.
func frameTypeFor(subject string) (string, bool) {
	switch subject {
	case events.SessionAdded:
		return ws.TypeSessionAdded, true
	case events.SessionRemoved:
		return ws.TypeSessionRemoved, true
	case events.SessionRenamed, events.SessionStateChanged:
		return ws.TypeSessionStateChange, true
	case events.SessionOutput:
		return ws.TypeSessionOutput, true
	case events.SessionUserInput:
		return ws.TypeUserInput, true
	case events.ActiveSessionChange:
		return ws.TypeActiveSessionChanged, true
	case events.TabsChanged:
		return ws.TypeTabsChanged, true
	case events.BatchStateChanged, events.BatchEnded:
		return ws.TypeAutoRunStateChange, true
	case events.ThemeUpdated:
		return ws.TypeThemeUpdate, true
	case events.CustomCommandsUpdated:
		return ws.TypeCustomCommands, true
	default:
		return "", false
	}
}

// onBusEvent translates an engine event into a flat protocol frame and
// broadcasts it.
func (s *Server) onBusEvent(_ context.Context, ev *bus.Event) error {
	frameType, ok := frameTypeFor(ev.Type)
	if !ok {
		return nil
	}

	frame := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		frame[k] = v
	}
	frame["type"] = frameType

	// A finished batch reads as a null state so the client clears its
	// Auto Run banner.
	if ev.Type == events.BatchEnded {
		frame["state"] = nil
	}

	s.hub.Broadcast(frame)
	return nil
}

// View shapes sent to remote clients.

type tabView struct {
	ID             string              `json:"id"`
	Name           string              `json:"name,omitempty"`
	DisplayName    string              `json:"displayName"`
	State          session.TabState    `json:"state"`
	AgentSessionID string              `json:"agentSessionId,omitempty"`
	Starred        bool                `json:"starred,omitempty"`
	Usage          session.UsageStats  `json:"usage"`
	LastError      *session.ErrorRecord `json:"lastError,omitempty"`
	Log            []session.LogEntry  `json:"log"`
}

type sessionView struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	WorkingDir  string             `json:"workingDir"`
	AgentKind   string             `json:"agentKind"`
	InputMode   session.InputMode  `json:"inputMode"`
	VCS         session.VCSState   `json:"vcs"`
	Tabs        []tabView          `json:"tabs"`
	ActiveTabID string             `json:"activeTabId"`
	QueueLength int                `json:"queueLength"`
	AutoRun     *autorun.BatchState `json:"autoRun,omitempty"`
}

type snapshotFrame struct {
	Type            string        `json:"type"`
	Sessions        []sessionView `json:"sessions"`
	ActiveSessionID string        `json:"activeSessionId,omitempty"`
	Theme           any           `json:"theme,omitempty"`
	CustomCommands  any           `json:"customCommands,omitempty"`
}

func (s *Server) tabViewOf(t *session.Tab, sessionName string, logLimit int) tabView {
	logs := t.Log
	if logLimit > 0 && len(logs) > logLimit {
		logs = logs[len(logs)-logLimit:]
	}
	return tabView{
		ID:             t.ID,
		Name:           t.Name,
		DisplayName:    t.DisplayName(sessionName),
		State:          t.State,
		AgentSessionID: t.AgentSessionID,
		Starred:        t.Starred,
		Usage:          t.Usage,
		LastError:      t.LastError,
		Log:            logs,
	}
}

func (s *Server) sessionViewOf(sess *session.Session, logLimit int) sessionView {
	view := sessionView{
		ID:          sess.ID,
		Name:        sess.Name,
		WorkingDir:  sess.WorkingDir,
		AgentKind:   string(sess.AgentKind),
		InputMode:   sess.InputMode,
		VCS:         sess.VCS,
		ActiveTabID: sess.ActiveTabID,
		QueueLength: len(sess.Queue),
		Tabs:        make([]tabView, 0, len(sess.Tabs)),
	}
	for _, t := range sess.Tabs {
		view.Tabs = append(view.Tabs, s.tabViewOf(t, sess.Name, logLimit))
	}
	if s.batches != nil {
		if state, running := s.batches.State(sess.ID); running {
			view.AutoRun = &state
		}
	}
	return view
}

// buildSnapshot assembles the sessions_update frame sent on connect: every
// session with its tabs and a bounded log tail, plus ambient UI state.
func (s *Server) buildSnapshot() *snapshotFrame {
	frame := &snapshotFrame{
		Type:            ws.TypeSessionsUpdate,
		ActiveSessionID: s.registry.ActiveID(),
		Sessions:        []sessionView{},
	}
	for _, sess := range s.registry.List() {
		frame.Sessions = append(frame.Sessions, s.sessionViewOf(sess, recentLogLimit))
	}
	if s.settings != nil {
		if theme, ok := s.settings.Get("theme"); ok {
			frame.Theme = theme
		}
		if commands, ok := s.settings.Get("customCommands"); ok {
			frame.CustomCommands = commands
		}
	}
	return frame
}

// newDispatcher builds the per-connection frame dispatcher. Handlers close
// over the client only for error reporting; all effects go through the
// registry and supervisor, whose events fan back out to every client.
func (s *Server) newDispatcher() *ws.Dispatcher {
	d := ws.NewDispatcher()

	d.RegisterFunc(ws.TypeSelectSession, func(_ context.Context, frame *ws.Frame) error {
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := frame.Parse(&req); err != nil {
			return errors.BadRequest("malformed select_session frame")
		}
		return s.registry.SetActive(req.SessionID)
	})

	d.RegisterFunc(ws.TypeSelectTab, func(_ context.Context, frame *ws.Frame) error {
		var req struct {
			SessionID string `json:"sessionId"`
			TabID     string `json:"tabId"`
		}
		if err := frame.Parse(&req); err != nil {
			return errors.BadRequest("malformed select_tab frame")
		}
		return s.registry.SelectTab(req.SessionID, req.TabID)
	})

	d.RegisterFunc(ws.TypeNewTab, func(_ context.Context, frame *ws.Frame) error {
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := frame.Parse(&req); err != nil {
			return errors.BadRequest("malformed new_tab frame")
		}
		_, err := s.registry.CreateTab(req.SessionID, session.TabOptions{})
		return err
	})

	d.RegisterFunc(ws.TypeCloseTab, func(_ context.Context, frame *ws.Frame) error {
		var req struct {
			SessionID string `json:"sessionId"`
			TabID     string `json:"tabId"`
		}
		if err := frame.Parse(&req); err != nil {
			return errors.BadRequest("malformed close_tab frame")
		}
		return s.registry.CloseTab(req.SessionID, req.TabID)
	})

	d.RegisterFunc(ws.TypeSwitchMode, func(_ context.Context, frame *ws.Frame) error {
		var req struct {
			SessionID string `json:"sessionId"`
			Mode      string `json:"mode"`
		}
		if err := frame.Parse(&req); err != nil {
			return errors.BadRequest("malformed switch_mode frame")
		}
		mode := session.InputMode(req.Mode)
		if mode != session.ModeInteractive && mode != session.ModeShell {
			return errors.BadRequest("unknown input mode")
		}
		return s.registry.SetInputMode(req.SessionID, mode)
	})

	d.RegisterFunc(ws.TypeSendCommand, func(ctx context.Context, frame *ws.Frame) error {
		var req struct {
			SessionID string   `json:"sessionId"`
			TabID     string   `json:"tabId"`
			Command   string   `json:"command"`
			InputMode string   `json:"inputMode"`
			Images    []string `json:"images"`
		}
		if err := frame.Parse(&req); err != nil {
			return errors.BadRequest("malformed send_command frame")
		}
		if req.Command == "" {
			return errors.BadRequest("command is required")
		}
		return s.sendCommand(ctx, req.SessionID, req.TabID, req.Command, req.InputMode, req.Images)
	})

	return d
}

// sendCommand dispatches a remote prompt, or enqueues it when the session
// is already busy. Re-sent frames from offline queues are accepted as-is.
func (s *Server) sendCommand(ctx context.Context, sessionID, tabID, command, inputMode string, images []string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if inputMode != "" && session.InputMode(inputMode) != sess.InputMode {
		if err := s.registry.SetInputMode(sessionID, session.InputMode(inputMode)); err != nil {
			return err
		}
	}
	if tabID == "" {
		tabID = sess.ActiveTabID
	}
	if sess.BusyTab() != nil {
		_, err := s.registry.Enqueue(sessionID, tabID, command, images)
		return err
	}
	return s.agents.Dispatch(ctx, sessionID, tabID, command, images)
}

func errorCode(err error) string {
	return errors.Code(err)
}
