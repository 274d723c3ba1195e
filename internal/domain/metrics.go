// Package domain contains the canonical reading record, device health
// snapshot, and process-wide metrics shared across the collection pipeline.
package domain

import (
	"sync/atomic"
	"time"
)

// Metrics holds atomic, process-wide counters covering the whole
// collect-validate-batch-persist path.
type Metrics struct {
	ReadingsProduced  atomic.Uint64
	ReadingsValidated atomic.Uint64
	ReadingsDropped   atomic.Uint64 // decode/no-match failures on the MQTT plane, never storage failures

	PollSuccesses atomic.Uint64
	PollFailures  atomic.Uint64

	BatchesFlushed  atomic.Uint64
	BatchesFailed   atomic.Uint64
	RowsWritten     atomic.Uint64
	RowsConflicted  atomic.Uint64

	DLQFilesWritten atomic.Uint64
	DLQFilesReplayed atomic.Uint64

	QueueDepth atomic.Int32

	StartTime time.Time
}

// NewMetrics creates a new metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// ReadingRate returns validated readings per second since start.
func (m *Metrics) ReadingRate() float64 {
	elapsed := time.Since(m.StartTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.ReadingsValidated.Load()) / elapsed
}

// MetricsSnapshot is a point-in-time view of Metrics, suitable for the
// HTTP /health/detailed and /data/stats endpoints.
type MetricsSnapshot struct {
	Timestamp        time.Time
	ReadingsProduced uint64
	ReadingsDropped  uint64
	PollSuccesses    uint64
	PollFailures     uint64
	BatchesFlushed   uint64
	BatchesFailed    uint64
	RowsWritten      uint64
	DLQPending       uint64
	ReadingRate      float64
	QueueDepth       int32
}

// Snapshot captures the current metric values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Timestamp:        time.Now(),
		ReadingsProduced: m.ReadingsProduced.Load(),
		ReadingsDropped:  m.ReadingsDropped.Load(),
		PollSuccesses:    m.PollSuccesses.Load(),
		PollFailures:     m.PollFailures.Load(),
		BatchesFlushed:   m.BatchesFlushed.Load(),
		BatchesFailed:    m.BatchesFailed.Load(),
		RowsWritten:      m.RowsWritten.Load(),
		DLQPending:       m.DLQFilesWritten.Load() - m.DLQFilesReplayed.Load(),
		ReadingRate:      m.ReadingRate(),
		QueueDepth:       m.QueueDepth.Load(),
	}
}
