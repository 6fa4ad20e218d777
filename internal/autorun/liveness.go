package autorun

import (
	"os"
	"time"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/jsonfile"
)

// CLIActivity advertises a running batch to other engine instances (the
// desktop and the headless CLI share one configuration directory). Readers
// of sessions.json consult this file to decide busyness across processes.
type CLIActivity struct {
	PlaybookID   string    `json:"playbookId"`
	PlaybookName string    `json:"playbookName"`
	PID          int       `json:"pid"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// activityStaleAfter is how old a record may be before it is ignored when
// the owning process cannot be probed; a crashed process never clears its
// record.
const activityStaleAfter = 30 * time.Second

// WriteActivity records that this process is running a batch for a session.
func WriteActivity(cfg *config.Config, sessionID string, activity CLIActivity) error {
	records := readActivities(cfg)
	activity.UpdatedAt = time.Now().UTC()
	if activity.PID == 0 {
		activity.PID = os.Getpid()
	}
	records[sessionID] = activity
	return jsonfile.WriteAtomic(cfg.CLIActivityPath(), records)
}

// ClearActivity removes this process's record for a session.
func ClearActivity(cfg *config.Config, sessionID string) error {
	records := readActivities(cfg)
	if _, ok := records[sessionID]; !ok {
		return nil
	}
	delete(records, sessionID)
	return jsonfile.WriteAtomic(cfg.CLIActivityPath(), records)
}

// ActiveActivity returns the live record for a session, if any. A record
// whose process is verifiably alive is current no matter its age; the
// staleness window only covers records with no probeable pid, so a batch
// that outlives the window stays visible to other engine instances.
func ActiveActivity(cfg *config.Config, sessionID string) (CLIActivity, bool) {
	records := readActivities(cfg)
	rec, ok := records[sessionID]
	if !ok {
		return CLIActivity{}, false
	}
	if rec.PID != 0 {
		if !pidAlive(rec.PID) {
			return CLIActivity{}, false
		}
		return rec, true
	}
	if time.Since(rec.UpdatedAt) > activityStaleAfter {
		return CLIActivity{}, false
	}
	return rec, true
}

// TouchActivity refreshes this process's record so its timestamp tracks the
// running batch. A record owned by another pid is left alone.
func TouchActivity(cfg *config.Config, sessionID string) {
	records := readActivities(cfg)
	rec, ok := records[sessionID]
	if !ok || rec.PID != os.Getpid() {
		return
	}
	rec.UpdatedAt = time.Now().UTC()
	records[sessionID] = rec
	_ = jsonfile.WriteAtomic(cfg.CLIActivityPath(), records)
}

func readActivities(cfg *config.Config) map[string]CLIActivity {
	records := make(map[string]CLIActivity)
	_, _ = jsonfile.Read(cfg.CLIActivityPath(), &records)
	if records == nil {
		records = make(map[string]CLIActivity)
	}
	return records
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return signalZero(proc)
}
