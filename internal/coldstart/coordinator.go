package coldstart

import (
	"math"
	"sync"
	"time"
)

// DefaultMaxWait caps the progress calculation; progress approaches but never
// reaches 100% until the work actually completes.
const DefaultMaxWait = 60 * time.Second

// LoadingSignal is the snapshot the UI reads. Consumers never mutate
// coordinator state.
type LoadingSignal struct {
	IsLoading       bool    `json:"isLoading"`
	IsColdStart     bool    `json:"isColdStart"`
	ShowColdStartUI bool    `json:"showColdStartUI"`
	Message         string  `json:"message"`
	ProgressPercent float64 `json:"progressPercent"`
}

// Coordinator folds the raw event stream into a single loading signal that is
// correct under overlapping concurrent slow requests: the signal stays active
// until every overlapping request has ended, not just the one that tripped
// the threshold first.
type Coordinator struct {
	mu      sync.Mutex
	active  map[string]time.Time
	beganAt time.Time // min start time over active members; zero when idle

	threshold time.Duration
	maxWait   time.Duration
	now       func() time.Time
	sub       *Subscription

	onResolved func(wait time.Duration)
}

// NewCoordinator subscribes to bus and returns the coordinator. threshold and
// maxWait <= 0 select the defaults. Call Close to detach from the bus.
func NewCoordinator(bus *Bus, threshold, maxWait time.Duration) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	c := &Coordinator{
		active:    make(map[string]time.Time),
		threshold: threshold,
		maxWait:   maxWait,
		now:       time.Now,
	}
	c.sub = bus.Subscribe(c.handle)
	return c
}

// OnResolved registers a callback invoked with the total wait each time the
// active set empties and the cold start resolves. Call before the first event
// arrives; not safe to change concurrently with event delivery.
func (c *Coordinator) OnResolved(fn func(wait time.Duration)) {
	c.onResolved = fn
}

// Close detaches the coordinator from the bus.
func (c *Coordinator) Close() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
}

func (c *Coordinator) handle(e Event) {
	var resolved time.Duration

	c.mu.Lock()
	switch e.Type {
	case EventStart:
		c.active[e.RequestID] = e.StartTime
		if c.beganAt.IsZero() || e.StartTime.Before(c.beganAt) {
			c.beganAt = e.StartTime
		}
	case EventEnd:
		delete(c.active, e.RequestID)
		// Only when the last overlapping request ends does the shared
		// cold-start clock reset.
		if len(c.active) == 0 && !c.beganAt.IsZero() {
			resolved = c.now().Sub(c.beganAt)
			c.beganAt = time.Time{}
		}
	}
	c.mu.Unlock()

	if resolved > 0 && c.onResolved != nil {
		c.onResolved(resolved)
	}
}

// IsColdStart reports whether any request is currently past the threshold.
func (c *Coordinator) IsColdStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) > 0
}

// ShouldShowColdStartUI reports whether extended-wait UI should be shown for
// the given threshold: an active set with an earliest member older than the
// threshold.
func (c *Coordinator) ShouldShowColdStartUI(threshold time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) == 0 || c.beganAt.IsZero() {
		return false
	}
	return c.now().Sub(c.beganAt) > threshold
}

// Elapsed returns how long the current cold start has been running, or 0 when
// idle.
func (c *Coordinator) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.beganAt.IsZero() {
		return 0
	}
	return c.now().Sub(c.beganAt)
}

// CurrentMessage returns the progressive wait message for the current elapsed
// time.
func (c *Coordinator) CurrentMessage() string {
	return MessageFor(c.Elapsed())
}

// ProgressPercent returns the progress estimate for the current elapsed time.
func (c *Coordinator) ProgressPercent() float64 {
	return ProgressFor(c.Elapsed(), c.maxWait)
}

// Snapshot returns the full loading signal in one consistent read.
func (c *Coordinator) Snapshot(inflight int) LoadingSignal {
	elapsed := c.Elapsed()
	cold := c.IsColdStart()
	return LoadingSignal{
		IsLoading:       inflight > 0 || cold,
		IsColdStart:     cold,
		ShowColdStartUI: c.ShouldShowColdStartUI(c.threshold),
		Message:         MessageFor(elapsed),
		ProgressPercent: ProgressFor(elapsed, c.maxWait),
	}
}

// MessageFor selects the progressive wait message as a pure function of
// elapsed time. The breakpoints are shared with the access guard's
// elapsed-time UI.
func MessageFor(elapsed time.Duration) string {
	switch {
	case elapsed < 3*time.Second:
		return "Loading…"
	case elapsed < 8*time.Second:
		return "Connecting…"
	case elapsed < 15*time.Second:
		return "Server is starting up…"
	case elapsed < 30*time.Second:
		return "Almost ready…"
	case elapsed < 45*time.Second:
		return "Just a few more moments…"
	default:
		return "Thank you for your patience…"
	}
}

// ProgressFor maps elapsed time onto a progress percentage capped at 95 so
// the UI never implies completion before the work actually finishes.
func ProgressFor(elapsed, maxWait time.Duration) float64 {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	frac := math.Min(float64(elapsed)/float64(maxWait), 0.95)
	if frac < 0 {
		frac = 0
	}
	return frac * 100
}
