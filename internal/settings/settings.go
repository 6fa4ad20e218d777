// Package settings exposes user preferences as an opaque key-value store
// persisted to settings.json. The engine never interprets values; it only
// round-trips them for the GUI and remote clients.
package settings

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/jsonfile"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
)

// Store is the settings key-value store.
type Store struct {
	cfg    *config.Config
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.RWMutex
	values map[string]any
}

// NewStore loads settings.json, treating a missing or damaged file as
// empty. Changes to keys that remote clients render are published on the
// bus.
func NewStore(cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) *Store {
	s := &Store{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "settings")),
		values: make(map[string]any),
	}
	if _, err := jsonfile.Read(cfg.SettingsPath(), &s.values); err != nil {
		s.logger.Warn("settings file unreadable, starting empty", zap.Error(err))
		s.values = make(map[string]any)
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	return s
}

// Get returns a value and whether it was set.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns a string value, or the fallback.
func (s *Store) GetString(key, fallback string) string {
	if v, ok := s.Get(key); ok {
		if str, isStr := v.(string); isStr {
			return str
		}
	}
	return fallback
}

// Set stores a value and persists the whole file.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	s.values[key] = value
	snapshot := make(map[string]any, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := jsonfile.WriteAtomic(s.cfg.SettingsPath(), snapshot); err != nil {
		return errors.PersistenceFailure("settings", err)
	}
	s.publishChange(key, value)
	return nil
}

// Delete removes a key and persists.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	snapshot := make(map[string]any, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := jsonfile.WriteAtomic(s.cfg.SettingsPath(), snapshot); err != nil {
		return errors.PersistenceFailure("settings", err)
	}
	s.publishChange(key, nil)
	return nil
}

// All returns a copy of every setting.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// publishChange pushes theme and custom-command updates to connected
// clients; other keys stay snapshot-only.
func (s *Store) publishChange(key string, value any) {
	if s.bus == nil {
		return
	}
	var subject string
	data := map[string]any{}
	switch key {
	case "theme":
		subject = events.ThemeUpdated
		data["theme"] = value
	case "customCommands":
		subject = events.CustomCommandsUpdated
		data["customCommands"] = value
	default:
		return
	}
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "settings", data)); err != nil {
		s.logger.Warn("failed to publish settings change",
			zap.String("subject", subject), zap.Error(err))
	}
}
