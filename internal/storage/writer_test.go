package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogger struct{}

func (fakeLogger) Trace(msg string, fields ...ports.Field) {}
func (fakeLogger) Debug(msg string, fields ...ports.Field) {}
func (fakeLogger) Info(msg string, fields ...ports.Field)  {}
func (fakeLogger) Warn(msg string, fields ...ports.Field)  {}
func (fakeLogger) Error(msg string, fields ...ports.Field) {}
func (fakeLogger) Fatal(msg string, fields ...ports.Field) {}
func (f fakeLogger) WithFields(fields ...ports.Field) ports.Logger { return f }

type fakeSink struct {
	mu         sync.Mutex
	batches    [][]domain.DeviceReading
	failUntil  int // first N calls fail, then succeed
	calls      int
	alwaysFail bool
}

func (s *fakeSink) WriteBatch(_ context.Context, readings []domain.DeviceReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.alwaysFail || s.calls <= s.failUntil {
		return errors.New("write failed")
	}
	cp := make([]domain.DeviceReading, len(readings))
	copy(cp, readings)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *fakeSink) TestConnection(_ context.Context) error { return nil }
func (s *fakeSink) Close() error                           { return nil }

func (s *fakeSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeSink) totalRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type fakeDLQ struct {
	mu      sync.Mutex
	written [][]domain.DeviceReading
}

func (d *fakeDLQ) Write(readings []domain.DeviceReading) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]domain.DeviceReading, len(readings))
	copy(cp, readings)
	d.written = append(d.written, cp)
	return nil
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.written)
}

func testCfg() config.TimescaleConfig {
	return config.TimescaleConfig{
		BatchSize:        3,
		BatchTimeout:     50 * time.Millisecond,
		FlushInterval:    10 * time.Millisecond,
		QueueCapacity:    100,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   1 * time.Millisecond,
		MaxRetryDelay:    5 * time.Millisecond,
	}
}

func sampleReading(ch int) domain.DeviceReading {
	return domain.DeviceReading{DeviceID: "dev", Channel: ch, Timestamp: time.Unix(int64(ch), 0)}
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, nil, fakeLogger{}, domain.NewMetrics(), testCfg())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(ctx, sampleReading(i)))
	}

	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, sink.totalRows())
}

func TestWriter_FlushesOnBatchTimeoutWithPartialBatch(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, nil, fakeLogger{}, domain.NewMetrics(), testCfg())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, w.Write(ctx, sampleReading(1)))

	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, sink.totalRows())
}

func TestWriter_RetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failUntil: 2}
	w := NewWriter(sink, nil, fakeLogger{}, domain.NewMetrics(), testCfg())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(ctx, sampleReading(i)))
	}

	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, sink.calls, 3)
}

func TestWriter_ExhaustedRetriesGoToDLQ(t *testing.T) {
	sink := &fakeSink{alwaysFail: true}
	dlq := &fakeDLQ{}
	w := NewWriter(sink, dlq, fakeLogger{}, domain.NewMetrics(), testCfg())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(ctx, sampleReading(i)))
	}

	require.Eventually(t, func() bool { return dlq.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, sink.batchCount())
}

func TestWriter_StopFlushesPartialBatchOnShutdown(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, nil, fakeLogger{}, domain.NewMetrics(), testCfg())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	require.NoError(t, w.Write(ctx, sampleReading(1)))
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	w.Stop(stopCtx)

	assert.Equal(t, 1, sink.batchCount())
}

func TestWriter_WriteUnblocksOnContextCancel(t *testing.T) {
	cfg := testCfg()
	cfg.QueueCapacity = 1
	sink := &fakeSink{alwaysFail: true} // never drained by Start, queue fills up
	w := NewWriter(sink, nil, fakeLogger{}, domain.NewMetrics(), cfg)

	require.NoError(t, w.Write(context.Background(), sampleReading(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Write(ctx, sampleReading(1))
	assert.Error(t, err)
}
