package autorun

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/jsonfile"
	"github.com/maestro/maestro/internal/common/logger"
)

// BadgeEvent records a badge level unlock.
type BadgeEvent struct {
	Level      int       `json:"level"`
	UnlockedAt time.Time `json:"unlockedAt"`
}

// Stats are the per-installation Auto Run counters behind badges.
type Stats struct {
	CumulativeRuntimeMs   int64        `json:"cumulativeRuntimeMs"`
	LongestRunMs          int64        `json:"longestRunMs"`
	LongestRunAt          *time.Time   `json:"longestRunAt,omitempty"`
	TotalRuns             int          `json:"totalRuns"`
	BadgeLevel            int          `json:"badgeLevel"`
	LastUnlockedLevel     int          `json:"lastUnlockedLevel"`
	LastAcknowledgedLevel int          `json:"lastAcknowledgedLevel"`
	BadgeHistory          []BadgeEvent `json:"badgeHistory,omitempty"`
}

// badgeThresholds is the cumulative-runtime ladder, one entry per level.
var badgeThresholds = []time.Duration{
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
	24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

// StatsStore loads and updates autorun-stats.json.
type StatsStore struct {
	cfg    *config.Config
	logger *logger.Logger

	mu    sync.Mutex
	stats Stats
}

// NewStatsStore loads persisted stats, starting fresh when absent.
func NewStatsStore(cfg *config.Config, log *logger.Logger) *StatsStore {
	s := &StatsStore{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "autorun_stats")),
	}
	if _, err := jsonfile.Read(cfg.StatsPath(), &s.stats); err != nil {
		s.logger.Warn("stats file unreadable, starting fresh", zap.Error(err))
		s.stats = Stats{}
	}
	return s
}

// Snapshot returns a copy of the current stats.
func (s *StatsStore) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RecordRun folds a finished batch's elapsed time into the counters and
// unlocks any badge levels the new cumulative total crosses.
func (s *StatsStore) RecordRun(elapsed time.Duration) error {
	now := time.Now().UTC()

	s.mu.Lock()
	s.stats.TotalRuns++
	s.stats.CumulativeRuntimeMs += elapsed.Milliseconds()
	if elapsed.Milliseconds() > s.stats.LongestRunMs {
		s.stats.LongestRunMs = elapsed.Milliseconds()
		s.stats.LongestRunAt = &now
	}

	cumulative := time.Duration(s.stats.CumulativeRuntimeMs) * time.Millisecond
	for level, threshold := range badgeThresholds {
		lvl := level + 1
		if cumulative >= threshold && lvl > s.stats.BadgeLevel {
			s.stats.BadgeLevel = lvl
			s.stats.LastUnlockedLevel = lvl
			s.stats.BadgeHistory = append(s.stats.BadgeHistory, BadgeEvent{
				Level:      lvl,
				UnlockedAt: now,
			})
		}
	}
	snapshot := s.stats
	s.mu.Unlock()

	if err := jsonfile.WriteAtomic(s.cfg.StatsPath(), snapshot); err != nil {
		return errors.PersistenceFailure("autorun stats", err)
	}
	return nil
}

// AcknowledgeBadges marks the latest unlocked level as seen by the user.
func (s *StatsStore) AcknowledgeBadges() error {
	s.mu.Lock()
	s.stats.LastAcknowledgedLevel = s.stats.LastUnlockedLevel
	snapshot := s.stats
	s.mu.Unlock()

	if err := jsonfile.WriteAtomic(s.cfg.StatsPath(), snapshot); err != nil {
		return errors.PersistenceFailure("autorun stats", err)
	}
	return nil
}
