package supervisor

import (
	"sync"
	"time"

	"github.com/tuzig/vt10x"
)

// defaultShellIdleTimeout is how long shell output must be quiet before a
// dispatched command is considered finished.
const defaultShellIdleTimeout = 3 * time.Second

// termTracker feeds raw output through a virtual terminal emulator and
// fires a callback once the terminal has been idle for the timeout. Used
// for shell-mode sessions, whose children emit no protocol events.
type termTracker struct {
	mu       sync.Mutex
	term     vt10x.Terminal
	timer    *time.Timer
	timeout  time.Duration
	onIdle   func()
	tracking bool
}

func newTermTracker(cols, rows int, timeout time.Duration, onIdle func()) *termTracker {
	if timeout <= 0 {
		timeout = defaultShellIdleTimeout
	}
	return &termTracker{
		term:    vt10x.New(vt10x.WithSize(cols, rows)),
		timeout: timeout,
		onIdle:  onIdle,
	}
}

// beginTracking arms the idle timer after a dispatch.
func (t *termTracker) beginTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracking = true
	t.resetLocked()
}

// observe feeds a chunk of output into the emulator and re-arms the timer.
func (t *termTracker) observe(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(chunk)
	if t.tracking {
		t.resetLocked()
	}
}

// stop disarms the tracker without firing.
func (t *termTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracking = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *termTracker) resetLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		active := t.tracking
		t.tracking = false
		t.mu.Unlock()
		if active {
			t.onIdle()
		}
	})
}
