// Package health tracks per-device success/failure statistics, surfaces the
// offline threshold transition, and keeps a rolling latency window.
package health

import (
	"sync"
	"time"

	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/ports"
)

const latencyWindowSize = 100

// Tracker is a concurrent map keyed by device_id. Each entry has its own
// lock so one device's update never blocks a read of another's snapshot.
type Tracker struct {
	logger ports.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu sync.Mutex

	isConnected         bool
	lastSuccessfulRead  time.Time
	consecutiveFailures int
	totalReads          uint64
	successfulReads     uint64
	lastError           string
	warnedOffline       bool

	latencies [latencyWindowSize]time.Duration
	latencyLen int
	latencyPos int
}

// New creates an empty Tracker.
func New(logger ports.Logger) *Tracker {
	return &Tracker{logger: logger, entries: make(map[string]*entry)}
}

func (t *Tracker) entryFor(deviceID string) *entry {
	t.mu.RLock()
	e, ok := t.entries[deviceID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[deviceID]; ok {
		return e
	}
	e = &entry{isConnected: true}
	t.entries[deviceID] = e
	return e
}

// RecordSuccess registers a successful read and its duration, resetting the
// consecutive-failure count and, if the device had transitioned offline,
// clearing the one-shot warning flag so a future offline transition logs
// again.
func (t *Tracker) RecordSuccess(deviceID string, duration time.Duration) {
	e := t.entryFor(deviceID)

	e.mu.Lock()
	e.totalReads++
	e.successfulReads++
	e.lastSuccessfulRead = time.Now()
	e.consecutiveFailures = 0
	e.isConnected = true
	e.warnedOffline = false
	e.latencies[e.latencyPos] = duration
	e.latencyPos = (e.latencyPos + 1) % latencyWindowSize
	if e.latencyLen < latencyWindowSize {
		e.latencyLen++
	}
	e.mu.Unlock()
}

// RecordFailure registers a failed read. When consecutive_failures
// transitions to domain.MaxConsecutiveFailures, a warning is emitted
// exactly once for that transition.
func (t *Tracker) RecordFailure(deviceID string, err error) {
	e := t.entryFor(deviceID)

	e.mu.Lock()
	e.totalReads++
	e.consecutiveFailures++
	if err != nil {
		e.lastError = err.Error()
	}
	e.isConnected = e.consecutiveFailures < domain.MaxConsecutiveFailures
	shouldWarn := e.consecutiveFailures == domain.MaxConsecutiveFailures && !e.warnedOffline
	if shouldWarn {
		e.warnedOffline = true
	}
	e.mu.Unlock()

	if shouldWarn && t.logger != nil {
		t.logger.Warn("device went offline",
			ports.Field{Key: "device_id", Value: deviceID},
			ports.Field{Key: "consecutive_failures", Value: domain.MaxConsecutiveFailures},
		)
	}
}

// Get returns a point-in-time snapshot for one device.
func (t *Tracker) Get(deviceID string) (domain.DeviceHealth, bool) {
	t.mu.RLock()
	e, ok := t.entries[deviceID]
	t.mu.RUnlock()
	if !ok {
		return domain.DeviceHealth{}, false
	}
	return snapshot(deviceID, e), true
}

// GetAll returns a point-in-time snapshot of every known device. Each
// entry's snapshot is internally consistent; there is no cross-device
// consistency guarantee beyond that (see SPEC_FULL.md §5).
func (t *Tracker) GetAll() map[string]domain.DeviceHealth {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	entries := make([]*entry, 0, len(t.entries))
	for id, e := range t.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make(map[string]domain.DeviceHealth, len(ids))
	for i, id := range ids {
		out[id] = snapshot(id, entries[i])
	}
	return out
}

// Reset removes a device's entry entirely, e.g. when it is removed from the
// pool.
func (t *Tracker) Reset(deviceID string) {
	t.mu.Lock()
	delete(t.entries, deviceID)
	t.mu.Unlock()
}

func snapshot(deviceID string, e *entry) domain.DeviceHealth {
	e.mu.Lock()
	defer e.mu.Unlock()

	var successRate float64
	if e.totalReads > 0 {
		successRate = float64(e.successfulReads) / float64(e.totalReads) * 100
	}

	var avgLatencyMs float64
	if e.latencyLen > 0 {
		var sum time.Duration
		for i := 0; i < e.latencyLen; i++ {
			sum += e.latencies[i]
		}
		avgLatencyMs = float64(sum.Milliseconds()) / float64(e.latencyLen)
	}

	return domain.DeviceHealth{
		DeviceID:            deviceID,
		IsConnected:         e.isConnected,
		LastSuccessfulRead:  e.lastSuccessfulRead,
		ConsecutiveFailures: e.consecutiveFailures,
		TotalReads:          e.totalReads,
		SuccessfulReads:     e.successfulReads,
		LastError:           e.lastError,
		SuccessRate:         successRate,
		AvgLatencyMs:        avgLatencyMs,
	}
}
