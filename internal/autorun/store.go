package autorun

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/jsonfile"
	"github.com/maestro/maestro/internal/common/logger"
)

// Store persists playbooks, one JSON file per session under playbooks/.
type Store struct {
	cfg    *config.Config
	logger *logger.Logger
}

// NewStore creates a playbook store.
func NewStore(cfg *config.Config, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "playbook_store")),
	}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.cfg.PlaybooksDir(), sessionID+".json")
}

// List returns a session's playbooks. Missing or malformed files read as
// empty.
func (s *Store) List(sessionID string) []*Playbook {
	var playbooks []*Playbook
	if _, err := jsonfile.Read(s.path(sessionID), &playbooks); err != nil {
		s.logger.Warn("playbook file unreadable",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}
	return playbooks
}

// Get returns one playbook by id.
func (s *Store) Get(sessionID, playbookID string) (*Playbook, error) {
	for _, p := range s.List(sessionID) {
		if p.ID == playbookID {
			return p, nil
		}
	}
	return nil, errors.NotFound("playbook", playbookID)
}

// Upsert inserts or replaces a playbook, assigning an id and timestamps
// as needed.
func (s *Store) Upsert(sessionID string, p *Playbook) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	playbooks := s.List(sessionID)
	replaced := false
	for i, existing := range playbooks {
		if existing.ID == p.ID {
			playbooks[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		playbooks = append(playbooks, p)
	}

	if err := jsonfile.WriteAtomic(s.path(sessionID), playbooks); err != nil {
		return errors.PersistenceFailure("playbooks", err)
	}
	return nil
}

// Delete removes a playbook by id. Unknown ids are a no-op.
func (s *Store) Delete(sessionID, playbookID string) error {
	playbooks := s.List(sessionID)
	kept := playbooks[:0]
	for _, p := range playbooks {
		if p.ID != playbookID {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(playbooks) {
		return nil
	}
	if err := jsonfile.WriteAtomic(s.path(sessionID), kept); err != nil {
		return errors.PersistenceFailure("playbooks", err)
	}
	return nil
}

// Find locates a playbook by id across all sessions, returning the owning
// session id. Used by the headless CLI, which is given only a playbook id.
func (s *Store) Find(playbookID string) (sessionID string, playbook *Playbook, err error) {
	entries, dirErr := os.ReadDir(s.cfg.PlaybooksDir())
	if dirErr != nil {
		if os.IsNotExist(dirErr) {
			return "", nil, errors.NotFound("playbook", playbookID)
		}
		return "", nil, errors.PersistenceFailure("playbooks", dirErr)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sid := strings.TrimSuffix(entry.Name(), ".json")
		for _, p := range s.List(sid) {
			if p.ID == playbookID {
				return sid, p, nil
			}
		}
	}
	return "", nil, errors.NotFound("playbook", playbookID)
}
