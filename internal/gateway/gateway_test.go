package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/maestro/internal/agent"
	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
	"github.com/maestro/maestro/internal/session"
	"github.com/maestro/maestro/internal/settings"
	ws "github.com/maestro/maestro/pkg/websocket"
)

type fakeAgents struct {
	mu           sync.Mutex
	dispatched   []string
	interrupts   []string
	dispatchErr  error
	interruptErr error
}

func (f *fakeAgents) Dispatch(_ context.Context, sessionID, _, text string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatched = append(f.dispatched, sessionID+":"+text)
	return nil
}

func (f *fakeAgents) Interrupt(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interruptErr != nil {
		return f.interruptErr
	}
	f.interrupts = append(f.interrupts, sessionID)
	return nil
}

type gwTest struct {
	server *Server
	agents *fakeAgents
	reg    *session.Registry
	sess   *session.Session
	bus    bus.EventBus
	cfg    *config.Config
}

func gwSetup(t *testing.T) *gwTest {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	cfg := &config.Config{ConfigDir: t.TempDir()}
	cfg.Supervisor.StreamCoalesceSeconds = 5
	cfg.Remote.ReadTimeout = 30
	cfg.Remote.WriteTimeout = 30

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	reg := session.NewRegistry(cfg, agent.NewRegistry(log), session.NewStore(cfg, log), eventBus, log)
	sess, err := reg.Create(t.TempDir(), agent.KindClaude, "workspace")
	require.NoError(t, err)

	settingsStore := settings.NewStore(cfg, eventBus, log)
	agents := &fakeAgents{}

	server, err := NewServer(cfg, reg, agents, nil, settingsStore, eventBus, "secret-token", log)
	require.NoError(t, err)
	t.Cleanup(server.Close)

	return &gwTest{server: server, agents: agents, reg: reg, sess: sess, bus: eventBus, cfg: cfg}
}

func TestFrameTypeMapping(t *testing.T) {
	cases := map[string]string{
		events.SessionAdded:        ws.TypeSessionAdded,
		events.SessionRemoved:      ws.TypeSessionRemoved,
		events.SessionStateChanged: ws.TypeSessionStateChange,
		events.SessionOutput:       ws.TypeSessionOutput,
		events.SessionUserInput:    ws.TypeUserInput,
		events.ActiveSessionChange: ws.TypeActiveSessionChanged,
		events.TabsChanged:         ws.TypeTabsChanged,
		events.BatchStateChanged:   ws.TypeAutoRunStateChange,
		events.BatchEnded:          ws.TypeAutoRunStateChange,
		events.ThemeUpdated:        ws.TypeThemeUpdate,
	}
	for subject, want := range cases {
		got, ok := frameTypeFor(subject)
		require.True(t, ok, subject)
		assert.Equal(t, want, got)
	}

	// Supervisor-internal subjects never leave the engine.
	_, ok := frameTypeFor(events.AgentSpawned)
	assert.False(t, ok)
	_, ok = frameTypeFor(events.PromptDone)
	assert.False(t, ok)
}

func TestSnapshot_IncludesSessionsAndBoundedLogs(t *testing.T) {
	gt := gwSetup(t)

	tabID := gt.sess.Tabs[0].ID
	sources := []session.LogSource{session.SourceStdout, session.SourceStderr}
	for i := 0; i < recentLogLimit+20; i++ {
		// Alternating sources defeats coalescence, one entry per append.
		require.NoError(t, gt.reg.AppendOutput(gt.sess.ID, tabID, sources[i%2], "line"))
	}
	require.NoError(t, gt.server.settings.Set("theme", "dark"))

	snap := gt.server.buildSnapshot()
	assert.Equal(t, ws.TypeSessionsUpdate, snap.Type)
	require.Len(t, snap.Sessions, 1)
	view := snap.Sessions[0]
	assert.Equal(t, gt.sess.ID, view.ID)
	assert.Equal(t, gt.sess.ActiveTabID, view.ActiveTabID)
	require.Len(t, view.Tabs, 1)
	assert.Len(t, view.Tabs[0].Log, recentLogLimit, "snapshot log tail is bounded")
	assert.Equal(t, "dark", snap.Theme)
}

func TestSnapshot_SafeDuringStreaming(t *testing.T) {
	gt := gwSetup(t)
	tabID := gt.sess.Tabs[0].ID

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sources := []session.LogSource{session.SourceStdout, session.SourceStderr}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = gt.reg.AppendOutput(gt.sess.ID, tabID, sources[i%2], "chunk")
		}
	}()

	// Snapshots taken mid-stream must see a consistent copy of every log.
	for i := 0; i < 200; i++ {
		snap := gt.server.buildSnapshot()
		for _, sv := range snap.Sessions {
			for _, tv := range sv.Tabs {
				for _, entry := range tv.Log {
					_ = len(entry.Text)
				}
			}
		}
	}
	close(stop)
	wg.Wait()
}

func TestSendCommand_DispatchesWhenIdle(t *testing.T) {
	gt := gwSetup(t)

	err := gt.server.sendCommand(context.Background(), gt.sess.ID, "", "do the thing", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{gt.sess.ID + ":do the thing"}, gt.agents.dispatched)
	assert.Empty(t, gt.reg.QueueSnapshot(gt.sess.ID))
}

func TestSendCommand_EnqueuesWhenBusy(t *testing.T) {
	gt := gwSetup(t)
	require.NoError(t, gt.reg.BeginDispatch(gt.sess.ID, gt.sess.Tabs[0].ID))

	err := gt.server.sendCommand(context.Background(), gt.sess.ID, "", "queued work", "", nil)
	require.NoError(t, err)
	assert.Empty(t, gt.agents.dispatched, "busy session must queue, not dispatch")

	queue := gt.reg.QueueSnapshot(gt.sess.ID)
	require.Len(t, queue, 1)
	assert.Equal(t, "queued work", queue[0].Text)
	assert.Equal(t, gt.sess.ActiveTabID, queue[0].TargetTabID)
}

func TestDispatcher_SelectSessionAndBadFrames(t *testing.T) {
	gt := gwSetup(t)
	d := gt.server.newDispatcher()

	frame, err := ws.Decode([]byte(`{"type":"select_session","sessionId":"` + gt.sess.ID + `"}`))
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), frame))
	assert.Equal(t, gt.sess.ID, gt.reg.ActiveID())

	frame, err = ws.Decode([]byte(`{"type":"select_session","sessionId":"nope"}`))
	require.NoError(t, err)
	err = d.Dispatch(context.Background(), frame)
	assert.True(t, errors.IsNotFound(err))

	frame, err = ws.Decode([]byte(`{"type":"switch_mode","sessionId":"` + gt.sess.ID + `","mode":"telepathy"}`))
	require.NoError(t, err)
	err = d.Dispatch(context.Background(), frame)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))

	// Unknown frame types are tolerated.
	frame, err = ws.Decode([]byte(`{"type":"frame_from_the_future"}`))
	require.NoError(t, err)
	assert.NoError(t, d.Dispatch(context.Background(), frame))
}

func TestHTTP_InterruptAndAuth(t *testing.T) {
	gt := gwSetup(t)
	srv := httptest.NewServer(gt.server.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/secret-token/session/"+gt.sess.ID+"/interrupt", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{gt.sess.ID}, gt.agents.interrupts)

	resp, err = http.Post(srv.URL+"/wrong-token/session/"+gt.sess.ID+"/interrupt", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_GetSession(t *testing.T) {
	gt := gwSetup(t)
	srv := httptest.NewServer(gt.server.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/secret-token/session/" + gt.sess.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, gt.sess.ID, view.ID)
	require.Len(t, view.Tabs, 1)

	resp, err = http.Get(srv.URL + "/secret-token/session/" + gt.sess.ID + "?tabId=" + gt.sess.Tabs[0].ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tv tabView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tv))
	assert.Equal(t, gt.sess.Tabs[0].ID, tv.ID)

	resp, err = http.Get(srv.URL + "/secret-token/session/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWS_FirstFrameAuthAndSnapshot(t *testing.T) {
	gt := gwSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gt.server.RunHub(ctx)

	srv := httptest.NewServer(gt.server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "secret-token"}))
	frame := readFrame(t, conn)
	assert.Equal(t, ws.TypeSessionsUpdate, frame["type"])
	sessions, ok := frame["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)
}

func TestWS_PathTokenSnapshotAndEventFanOut(t *testing.T) {
	gt := gwSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gt.server.RunHub(ctx)

	srv := httptest.NewServer(gt.server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/secret-token/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	require.Equal(t, ws.TypeSessionsUpdate, frame["type"])

	// An engine event reaches the client as an incremental frame.
	require.NoError(t, gt.bus.Publish(context.Background(), events.SessionOutput,
		bus.NewEvent(events.SessionOutput, "test", map[string]any{
			"sessionId": gt.sess.ID,
			"source":    "stdout",
			"text":      "hello",
		})))

	frame = readFrame(t, conn)
	assert.Equal(t, ws.TypeSessionOutput, frame["type"])
	assert.Equal(t, "hello", frame["text"])
	assert.Equal(t, gt.sess.ID, frame["sessionId"])
}

func TestWS_BadTokenClosedWithPolicyViolation(t *testing.T) {
	gt := gwSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gt.server.RunHub(ctx)

	srv := httptest.NewServer(gt.server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "wrong"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)
}

func TestLoadOrMintToken(t *testing.T) {
	cfg := &config.Config{ConfigDir: t.TempDir()}
	tok1, err := LoadOrMintToken(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	tok2, err := LoadOrMintToken(cfg)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2, "token is stable across startups")
}
