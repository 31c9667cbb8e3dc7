package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Governor admits at most one streaming detection at a time and spaces
// admitted frames at least minInterval apart, measured from the completion of
// the previous one. Rejected frames are dropped, never queued.
type Governor struct {
	minInterval time.Duration
	now         func() time.Time

	mu            sync.Mutex
	inFlight      bool
	lastProcessed time.Time

	accepted        atomic.Uint64
	droppedBusy     atomic.Uint64
	droppedInterval atomic.Uint64
}

type GovernorStats struct {
	Accepted        uint64 `json:"accepted"`
	DroppedBusy     uint64 `json:"dropped_busy"`
	DroppedInterval uint64 `json:"dropped_interval"`
}

// NewGovernor builds a governor. A nil clock uses time.Now.
func NewGovernor(minInterval time.Duration, clock func() time.Time) *Governor {
	if clock == nil {
		clock = time.Now
	}
	return &Governor{minInterval: minInterval, now: clock}
}

// TryAcquire admits a frame if nothing is in flight and the interval has
// elapsed. The caller must call release when the detection finishes, whether
// it succeeded or not.
func (g *Governor) TryAcquire() (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight {
		g.droppedBusy.Add(1)
		return nil, false
	}
	if !g.lastProcessed.IsZero() && g.now().Sub(g.lastProcessed) < g.minInterval {
		g.droppedInterval.Add(1)
		return nil, false
	}

	g.inFlight = true
	g.accepted.Add(1)

	var once sync.Once
	return func() { once.Do(g.complete) }, true
}

func (g *Governor) complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight = false
	g.lastProcessed = g.now()
}

func (g *Governor) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Reset forgets the last processed time.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastProcessed = time.Time{}
}

func (g *Governor) Stats() GovernorStats {
	return GovernorStats{
		Accepted:        g.accepted.Load(),
		DroppedBusy:     g.droppedBusy.Load(),
		DroppedInterval: g.droppedInterval.Load(),
	}
}
