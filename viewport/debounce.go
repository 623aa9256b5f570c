package viewport

import (
	"sync"
	"time"
)

// DefaultQuietPeriod is how long a proposed active page must remain the
// latest proposal before the callback fires.
const DefaultQuietPeriod = 150 * time.Millisecond

// Debouncer coalesces a stream of proposed active pages into at most one
// callback per quiet period. A single shared timer backs all proposals, so a
// newer proposal implicitly cancels the pending one.
type Debouncer struct {
	mu       sync.Mutex
	quiet    time.Duration
	timer    *time.Timer
	proposed int
	fire     func(page int)
	stopped  bool
}

// NewDebouncer returns a debouncer that invokes fire with the settled page.
// A non-positive quiet duration falls back to DefaultQuietPeriod.
func NewDebouncer(quiet time.Duration, fire func(page int)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Debouncer{quiet: quiet, fire: fire}
}

// Propose records page as the latest candidate and restarts the quiet timer.
// Proposals of 0 (no active page) cancel any pending invocation and never
// fire themselves.
func (d *Debouncer) Propose(page int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.proposed = page
	if page == 0 {
		return
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.settle(page) })
}

func (d *Debouncer) settle(page int) {
	d.mu.Lock()
	// A racing Propose may have replaced the proposal after this timer was
	// already running; only the latest value is allowed to fire.
	if d.stopped || d.proposed != page {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fire(page)
}

// Stop cancels any pending invocation and prevents future ones.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
