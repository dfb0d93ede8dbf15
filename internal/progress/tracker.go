package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
)

// Tracker renders migration steps as a terminal progress bar
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int
	startTime time.Time

	mu      sync.Mutex
	current int
	last    string
}

// New creates a tracker for total steps writing to stderr.
func New(total int) *Tracker {
	return NewWithWriter(total, os.Stderr)
}

// NewWithWriter creates a tracker that renders to w.
func NewWithWriter(total int, w io.Writer) *Tracker {
	return &Tracker{
		out:       w,
		total:     total,
		startTime: time.Now(),
		bar: progressbar.NewOptions(
			total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("Migrating"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(50*time.Millisecond),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// Update moves the bar to the completed step count of p.
func (t *Tracker) Update(p engine.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = p.StepName
	t.bar.Describe(fmt.Sprintf("Migrating: %s", p.Message))
	if p.Completed > t.current {
		t.bar.Set(p.Completed)
		t.current = p.Completed
	}
}

// Current returns the number of completed steps seen.
func (t *Tracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Finish closes the bar and logs a summary
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bar.Finish()
	fmt.Fprintln(t.out)
	logging.Info("Migration ran %d/%d steps in %s (last: %s)",
		t.current, t.total, time.Since(t.startTime).Round(time.Millisecond), t.last)
}
