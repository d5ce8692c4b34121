package trigger

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RefEvent reports that a branch of a repository moved.
type RefEvent struct {
	RepoID string
	// Branch is empty when the change could not be tied to one branch.
	Branch string
	At     time.Time
}

// Debouncer coalesces ref updates so a push that rewrites several refs, or
// a burst of pushes, schedules one index run per repository. Events for the
// same repository within the window merge into one; a branch-less event
// absorbs branch-specific ones.
type Debouncer struct {
	window  time.Duration
	pending map[string]RefEvent
	mu      sync.Mutex
	output  chan []RefEvent
	timer   *time.Timer
	stopped bool
	logger  *slog.Logger
}

// NewDebouncer creates a debouncer that emits after window of quiet.
func NewDebouncer(window time.Duration, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]RefEvent),
		output:  make(chan []RefEvent, 10),
		logger:  logger,
	}
}

// Add records an event and restarts the window.
func (d *Debouncer) Add(ev RefEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if cur, ok := d.pending[ev.RepoID]; ok && cur.Branch != ev.Branch {
		ev.Branch = ""
	}
	d.pending[ev.RepoID] = ev

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]RefEvent, 0, len(d.pending))
	for _, ev := range d.pending {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].RepoID < events[j].RepoID })
	d.pending = make(map[string]RefEvent)

	select {
	case d.output <- events:
	default:
		d.logger.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)))
	}
}

// Output returns the channel of debounced batches, sorted by repository.
func (d *Debouncer) Output() <-chan []RefEvent {
	return d.output
}

// Stop stops the debouncer and closes the output channel.
// Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
