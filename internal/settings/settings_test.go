package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
)

func testStore(t *testing.T, dir string) *Store {
	s, _ := testStoreWithBus(t, dir)
	return s
}

func testStoreWithBus(t *testing.T, dir string) (*Store, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	return NewStore(&config.Config{ConfigDir: dir}, eventBus, log), eventBus
}

func TestStore_SetGetPersist(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir)

	require.NoError(t, s.Set("theme", "dark"))
	require.NoError(t, s.Set("fontSize", 14))

	assert.Equal(t, "dark", s.GetString("theme", "light"))
	assert.Equal(t, "light", s.GetString("missing", "light"))

	// A fresh store over the same directory sees the persisted values.
	reloaded := testStore(t, dir)
	assert.Equal(t, "dark", reloaded.GetString("theme", ""))
	v, ok := reloaded.Get("fontSize")
	require.True(t, ok)
	assert.EqualValues(t, 14, v)
}

func TestStore_Delete(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir)

	require.NoError(t, s.Set("remoteToken", "abc"))
	require.NoError(t, s.Delete("remoteToken"))
	_, ok := s.Get("remoteToken")
	assert.False(t, ok)

	reloaded := testStore(t, dir)
	_, ok = reloaded.Get("remoteToken")
	assert.False(t, ok)
}

func TestStore_MissingFileStartsEmpty(t *testing.T) {
	s := testStore(t, t.TempDir())
	assert.Empty(t, s.All())
}

func TestStore_PublishesRenderedKeyChanges(t *testing.T) {
	s, eventBus := testStoreWithBus(t, t.TempDir())

	themes := make(chan map[string]any, 4)
	_, err := eventBus.Subscribe(events.ThemeUpdated, func(_ context.Context, ev *bus.Event) error {
		themes <- ev.Data
		return nil
	})
	require.NoError(t, err)
	commands := make(chan map[string]any, 4)
	_, err = eventBus.Subscribe(events.CustomCommandsUpdated, func(_ context.Context, ev *bus.Event) error {
		commands <- ev.Data
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Set("theme", "dark"))
	select {
	case data := <-themes:
		assert.Equal(t, "dark", data["theme"])
	case <-time.After(2 * time.Second):
		t.Fatal("theme change not published")
	}

	require.NoError(t, s.Set("customCommands", []any{"lint", "deploy"}))
	select {
	case data := <-commands:
		assert.Equal(t, []any{"lint", "deploy"}, data["customCommands"])
	case <-time.After(2 * time.Second):
		t.Fatal("custom commands change not published")
	}

	// A deleted theme reads as null so clients fall back to their default.
	require.NoError(t, s.Delete("theme"))
	select {
	case data := <-themes:
		assert.Nil(t, data["theme"])
	case <-time.After(2 * time.Second):
		t.Fatal("theme delete not published")
	}

	// Keys no remote client renders stay snapshot-only.
	require.NoError(t, s.Set("fontSize", 14))
	select {
	case <-themes:
		t.Fatal("unrelated key must not publish a theme update")
	case <-time.After(100 * time.Millisecond):
	}
}
