package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrGateTimeout = errors.New("timeout waiting for inference slot")

// inferenceGate serializes inference on a backend instance. It holds a single
// slot; callers wait up to acquireTimeout for it.
type inferenceGate struct {
	slot           chan struct{}
	acquireTimeout time.Duration
	metrics        *GateMetrics
}

type GateMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// GateSnapshot is a point-in-time copy of GateMetrics.
type GateSnapshot struct {
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

func newInferenceGate(acquireTimeout time.Duration) *inferenceGate {
	g := &inferenceGate{
		slot:           make(chan struct{}, 1),
		acquireTimeout: acquireTimeout,
		metrics:        &GateMetrics{},
	}
	g.slot <- struct{}{}
	return g
}

// Acquire waits for the slot. The returned release is safe to call more than
// once.
func (g *inferenceGate) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	defer func() {
		g.metrics.mu.Lock()
		g.metrics.waitTime += time.Since(start)
		g.metrics.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if g.acquireTimeout > 0 {
		timer := time.NewTimer(g.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-g.slot:
		g.metrics.mu.Lock()
		g.metrics.inUse++
		g.metrics.totalAcquired++
		g.metrics.mu.Unlock()

		var once sync.Once
		return func() { once.Do(g.release) }, nil
	case <-timeout:
		g.recordFailure()
		return nil, ErrGateTimeout
	case <-ctx.Done():
		g.recordFailure()
		return nil, ctx.Err()
	}
}

func (g *inferenceGate) release() {
	g.metrics.mu.Lock()
	g.metrics.inUse--
	g.metrics.totalReleased++
	g.metrics.mu.Unlock()

	g.slot <- struct{}{}
}

func (g *inferenceGate) recordFailure() {
	g.metrics.mu.Lock()
	g.metrics.acquireFailures++
	g.metrics.mu.Unlock()
}

func (g *inferenceGate) Metrics() GateSnapshot {
	g.metrics.mu.RLock()
	defer g.metrics.mu.RUnlock()
	return GateSnapshot{
		InUse:           g.metrics.inUse,
		TotalAcquired:   g.metrics.totalAcquired,
		TotalReleased:   g.metrics.totalReleased,
		AcquireFailures: g.metrics.acquireFailures,
		WaitTime:        g.metrics.waitTime,
	}
}
