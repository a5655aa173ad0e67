package resilience

import (
	"sync"
	"time"
)

// WindowOpts configures the sliding window limiter.
type WindowOpts struct {
	// Enabled turns admission control on. A disabled window admits everything
	// and records nothing.
	Enabled bool
	// MaxRequests is the number of requests a client may make per Window.
	MaxRequests int
	// Window is the trailing duration requests are counted over.
	Window time.Duration
}

// DefaultWindowOpts allows 30 requests per minute per client.
var DefaultWindowOpts = WindowOpts{
	Enabled:     true,
	MaxRequests: 30,
	Window:      time.Minute,
}

// Window is a per-client sliding window rate limiter. Each client keeps the
// timestamps of its admitted requests; only those inside the trailing window
// count towards MaxRequests.
type Window struct {
	mu       sync.Mutex
	opts     WindowOpts
	requests map[string][]time.Time
	now      func() time.Time
}

// NewWindow creates a sliding window limiter. Zero MaxRequests or Window
// fall back to DefaultWindowOpts.
func NewWindow(opts WindowOpts) *Window {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = DefaultWindowOpts.MaxRequests
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindowOpts.Window
	}
	return &Window{
		opts:     opts,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Enabled reports whether admission control is active.
func (w *Window) Enabled() bool { return w.opts.Enabled }

// MaxRequests returns the per-window request budget.
func (w *Window) MaxRequests() int { return w.opts.MaxRequests }

// Allow prunes the client's stale timestamps and records the current time
// if fewer than MaxRequests remain. A rejected request is not recorded.
func (w *Window) Allow(clientID string) bool {
	if !w.opts.Enabled {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	live := prune(w.requests[clientID], now.Add(-w.opts.Window))
	if len(live) >= w.opts.MaxRequests {
		w.requests[clientID] = live
		return false
	}
	w.requests[clientID] = append(live, now)
	return true
}

// Remaining returns how many more requests the client may make right now,
// in [0, MaxRequests]. It counts only timestamps inside the trailing window
// and leaves the stored history untouched.
func (w *Window) Remaining(clientID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.opts.Window)
	n := 0
	for _, t := range w.requests[clientID] {
		if t.After(cutoff) {
			n++
		}
	}
	return max(w.opts.MaxRequests-n, 0)
}

// Sweep drops clients with no timestamps left inside the window and returns
// how many were removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.opts.Window)
	removed := 0
	for id, times := range w.requests {
		live := prune(times, cutoff)
		if len(live) == 0 {
			delete(w.requests, id)
			removed++
			continue
		}
		w.requests[id] = live
	}
	return removed
}

// Clients returns the number of tracked client identifiers.
func (w *Window) Clients() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

// prune keeps timestamps strictly after cutoff, reusing the backing array.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	return live
}
