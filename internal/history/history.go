// Package history persists synopsized records of past work as append-only
// JSONL, one file per workspace. Writes are asynchronous: a failed history
// write must never fail the action that produced it.
package history

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/session"
)

// EntryType distinguishes scheduler-produced entries from user-driven ones.
type EntryType string

const (
	TypeAuto EntryType = "AUTO"
	TypeUser EntryType = "USER"
)

// Entry is one history record scoped to (workspace, session-id).
type Entry struct {
	ID             string              `json:"id"`
	Type           EntryType           `json:"type"`
	Timestamp      time.Time           `json:"timestamp"`
	Summary        string              `json:"summary"`
	Response       string              `json:"response,omitempty"`
	AgentSessionID string              `json:"agentSessionId,omitempty"`
	Usage          *session.UsageStats `json:"usage,omitempty"`
	Workspace      string              `json:"workspace"`
	SessionID      string              `json:"sessionId"`
}

// Writer appends entries from a buffered channel on its own goroutine.
type Writer struct {
	cfg    *config.Config
	logger *logger.Logger

	ch      chan Entry
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewWriter starts the background history writer.
func NewWriter(cfg *config.Config, log *logger.Logger) *Writer {
	w := &Writer{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "history")),
		ch:     make(chan Entry, 128),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Append queues an entry for writing. It never blocks and never returns an
// error; a full buffer drops the entry with a warning.
func (w *Writer) Append(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- entry:
	default:
		w.logger.Warn("history buffer full, dropping entry",
			zap.String("workspace", entry.Workspace))
	}
}

// Close drains pending entries and stops the writer.
func (w *Writer) Close() {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.closeMu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.ch {
		if err := w.write(entry); err != nil {
			w.logger.Warn("failed to write history entry",
				zap.String("workspace", entry.Workspace),
				zap.Error(err))
		}
	}
}

func (w *Writer) write(entry Entry) error {
	dir := w.cfg.HistoryDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, workspaceHash(entry.Workspace)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReadEntries loads all entries for a workspace in append order. Malformed
// lines are skipped.
func ReadEntries(cfg *config.Config, workspace string) ([]Entry, error) {
	path := filepath.Join(cfg.HistoryDir(), workspaceHash(workspace)+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func workspaceHash(workspace string) string {
	sum := sha256.Sum256([]byte(workspace))
	return hex.EncodeToString(sum[:8])
}
