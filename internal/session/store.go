package session

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/jsonfile"
	"github.com/maestro/maestro/internal/common/logger"
)

// Store persists the session array as a whole-file JSON replace.
// Readers treat missing or malformed files as an empty set: the engine
// must start even when the state file is damaged.
type Store struct {
	cfg    *config.Config
	logger *logger.Logger
}

// NewStore creates a session store rooted at the configuration directory.
func NewStore(cfg *config.Config, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "session_store")),
	}
}

// Load reads sessions.json. Missing or malformed content yields an empty
// slice, with a warning for the malformed case.
func (s *Store) Load() []*Session {
	var sessions []*Session
	found, err := jsonfile.Read(s.cfg.SessionsPath(), &sessions)
	if err != nil {
		s.logger.Warn("sessions file unreadable, starting empty",
			zap.String("path", s.cfg.SessionsPath()),
			zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	return sessions
}

// Save replaces sessions.json atomically.
func (s *Store) Save(sessions []*Session) error {
	if err := jsonfile.WriteAtomic(s.cfg.SessionsPath(), sessions); err != nil {
		return errors.PersistenceFailure("sessions", err)
	}
	return nil
}

// DeletePlaybookFile removes the per-session playbook file. A missing file
// is not an error.
func (s *Store) DeletePlaybookFile(sessionID string) {
	path := filepath.Join(s.cfg.PlaybooksDir(), sessionID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete playbook file",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
