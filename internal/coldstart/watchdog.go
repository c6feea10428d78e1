package coldstart

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultThreshold is how long a request may be in flight before it counts as
// a cold start.
const DefaultThreshold = 5 * time.Second

// Watchdog wraps outbound requests with a latency timer. A request that is
// still in flight past the threshold gets a start event published on the bus;
// its completion always gets exactly one end event, whether or not the start
// ever fired.
type Watchdog struct {
	bus       *Bus
	threshold time.Duration
	now       func() time.Time
	inflight  atomic.Int64
}

// NewWatchdog returns a Watchdog publishing to bus. threshold <= 0 selects
// DefaultThreshold.
func NewWatchdog(bus *Bus, threshold time.Duration) *Watchdog {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Watchdog{bus: bus, threshold: threshold, now: time.Now}
}

// Inflight returns the number of watched requests currently in flight.
func (w *Watchdog) Inflight() int {
	return int(w.inflight.Load())
}

// Watch starts the latency timer for the request identified by id and returns
// the completion func. The caller must invoke done exactly when the request
// finishes, on every outcome; done is idempotent. The start/end pair for one
// id is strictly ordered.
func (w *Watchdog) Watch(id string) (done func()) {
	start := w.now()
	w.inflight.Add(1)

	// mu serializes the threshold timer against completion. completed guards
	// the race where the timer fires at the same instant the request ends:
	// Stop() returns false then, and without the flag the late callback would
	// publish a start after its end and wedge the active set.
	var mu sync.Mutex
	var completed bool
	timer := time.AfterFunc(w.threshold, func() {
		mu.Lock()
		defer mu.Unlock()
		if completed {
			return
		}
		w.bus.Publish(Event{RequestID: id, Type: EventStart, StartTime: start})
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			completed = true
			timer.Stop()
			w.inflight.Add(-1)
			w.bus.Publish(Event{RequestID: id, Type: EventEnd, StartTime: start})
			mu.Unlock()
		})
	}
}
