package detections

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type ModelState int32

const (
	StateUnloaded ModelState = iota
	StateLoading
	StateReady
	StateFailed
)

func (s ModelState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("ModelState(%d)", int32(s))
}

// LoadFunc performs the actual model load.
type LoadFunc func(ctx context.Context) error

// ModelLifecycle owns the load state of one backend instance. Concurrent
// callers share a single in-flight load; a failed load is retried by the next
// EnsureLoaded.
type ModelLifecycle struct {
	name        string
	load        LoadFunc
	loadTimeout time.Duration
	log         *logrus.Entry

	group singleflight.Group

	mu    sync.RWMutex
	state ModelState
	err   error

	attempts atomic.Int64
}

func NewModelLifecycle(name string, load LoadFunc, log *logrus.Entry) *ModelLifecycle {
	if log == nil {
		log = logrus.WithField("component", "lifecycle")
	}
	return &ModelLifecycle{
		name:        name,
		load:        load,
		loadTimeout: DefaultLoadTimeout,
		log:         log.WithField("model", name),
	}
}

// SetLoadTimeout bounds each load attempt. Zero disables the bound.
func (m *ModelLifecycle) SetLoadTimeout(d time.Duration) {
	m.loadTimeout = d
}

func (m *ModelLifecycle) State() ModelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err is the error from the last failed load.
func (m *ModelLifecycle) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Attempts counts how many loads have been started.
func (m *ModelLifecycle) Attempts() int64 {
	return m.attempts.Load()
}

// EnsureLoaded returns once the model is ready, joining a load that is already
// running or starting one. ctx only bounds the wait; the shared load keeps
// going for the other callers.
func (m *ModelLifecycle) EnsureLoaded(ctx context.Context) error {
	if m.State() == StateReady {
		return nil
	}

	ch := m.group.DoChan(m.name, m.run)
	select {
	case res := <-ch:
		if res.Err != nil {
			return newError(ErrModelNotLoaded, m.name, res.Err)
		}
		return nil
	case <-ctx.Done():
		return newError(ErrModelNotLoaded, m.name, ctx.Err())
	}
}

// Preload starts loading in the background and returns immediately.
func (m *ModelLifecycle) Preload() {
	if m.State() == StateReady {
		return
	}
	m.group.DoChan(m.name, m.run)
}

// Reset puts a settled lifecycle back to Unloaded. It reports false while a
// load is running.
func (m *ModelLifecycle) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLoading {
		return false
	}
	m.state = StateUnloaded
	m.err = nil
	return true
}

func (m *ModelLifecycle) run() (interface{}, error) {
	m.mu.Lock()
	if m.state == StateReady {
		m.mu.Unlock()
		return nil, nil
	}
	m.state = StateLoading
	m.err = nil
	m.mu.Unlock()

	m.attempts.Add(1)
	m.log.Info("loading model")
	start := time.Now()

	err := m.safeLoad()

	m.mu.Lock()
	if err != nil {
		m.state = StateFailed
		m.err = err
	} else {
		m.state = StateReady
	}
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).WithField("elapsed", time.Since(start)).Error("model load failed")
		return nil, err
	}
	m.log.WithField("elapsed", time.Since(start)).Info("model ready")
	return nil, nil
}

func (m *ModelLifecycle) safeLoad() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load panicked: %v", r)
		}
	}()

	ctx := context.Background()
	if m.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.loadTimeout)
		defer cancel()
	}
	return m.load(ctx)
}
