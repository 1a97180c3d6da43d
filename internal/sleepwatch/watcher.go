// Package sleepwatch tracks system suspend and resume so probe failures can
// be put in context.
package sleepwatch

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultRecentWindow is how long after a resume a probe failure is
// attributed to the suspend.
const DefaultRecentWindow = 30 * time.Second

// Watcher records suspend and resume events.
type Watcher struct {
	mu       sync.RWMutex
	sleeping bool
	wakeTime time.Time

	window  time.Duration
	logger  *slog.Logger
	onSleep func()
	onWake  func()
	now     func() time.Time
}

// New returns a Watcher. onSleep and onWake may be nil.
func New(logger *slog.Logger, onSleep, onWake func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		window:  DefaultRecentWindow,
		logger:  logger,
		onSleep: onSleep,
		onWake:  onWake,
		now:     time.Now,
	}
}

// IsSleeping reports whether the system announced a suspend without a resume yet.
func (w *Watcher) IsSleeping() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sleeping
}

// RecentWake returns the time since the last resume if it lies within the
// recent window.
func (w *Watcher) RecentWake() (time.Duration, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.wakeTime.IsZero() {
		return 0, false
	}
	since := w.now().Sub(w.wakeTime)
	return since, since < w.window
}

func (w *Watcher) markSleep() {
	w.mu.Lock()
	if w.sleeping {
		w.mu.Unlock()
		return
	}
	w.sleeping = true
	w.mu.Unlock()

	w.logger.Info("System entering sleep")
	if w.onSleep != nil {
		w.onSleep()
	}
}

func (w *Watcher) markWake() {
	w.mu.Lock()
	if !w.sleeping {
		w.mu.Unlock()
		return
	}
	w.sleeping = false
	w.wakeTime = w.now()
	w.mu.Unlock()

	w.logger.Info("System waking up")
	if w.onWake != nil {
		w.onWake()
	}
}

// handle applies a logind PrepareForSleep payload.
func (w *Watcher) handle(entering bool) {
	if entering {
		w.markSleep()
	} else {
		w.markWake()
	}
}
