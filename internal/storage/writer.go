package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ibs-source/adam-logger/internal/backoff"
	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/ports"
)

func newFlushRetry(cfg config.TimescaleConfig) *backoff.Exponential {
	return backoff.NewExponential(ports.RetryPolicy{
		MaxAttempts:     cfg.MaxRetryAttempts,
		InitialInterval: cfg.RetryBaseDelay,
		MaxInterval:     cfg.MaxRetryDelay,
	})
}

// DLQWriter accepts a batch that exhausted every retry attempt against the
// storage sink, for durable replay later. Implemented by internal/dlq.DLQ.
type DLQWriter interface {
	Write(readings []domain.DeviceReading) error
}

// Writer is the single consumer between the Modbus/MQTT collection planes
// and the TimescaleDB sink: a bounded queue with Write blocking on full
// (never dropping, per SPEC_FULL.md §4.C7), drained by one goroutine that
// accumulates a batch up to BatchSize or BatchTimeout since the batch's
// first entry, whichever comes first, then flushes with retry.
type Writer struct {
	sink    ports.StorageSink
	dlq     DLQWriter
	logger  ports.Logger
	metrics *domain.Metrics

	queue chan domain.DeviceReading

	batchSize        int
	batchTimeout     time.Duration
	flushInterval    time.Duration
	maxRetryAttempts int
	retry            *backoff.Exponential

	wg   sync.WaitGroup
	done chan struct{}
}

// NewWriter builds a Writer. Call Start to begin draining the queue.
func NewWriter(sink ports.StorageSink, dlq DLQWriter, logger ports.Logger, metrics *domain.Metrics, cfg config.TimescaleConfig) *Writer {
	return &Writer{
		sink:             sink,
		dlq:              dlq,
		logger:           logger.WithFields(ports.Field{Key: "component", Value: "storage-writer"}),
		metrics:          metrics,
		queue:            make(chan domain.DeviceReading, cfg.QueueCapacity),
		batchSize:        cfg.BatchSize,
		batchTimeout:     cfg.BatchTimeout,
		flushInterval:    cfg.FlushInterval,
		maxRetryAttempts: cfg.MaxRetryAttempts,
		retry:            newFlushRetry(cfg),
		done:             make(chan struct{}),
	}
}

// Write enqueues a reading, blocking while the queue is full. Returns ctx's
// error if ctx is canceled before room is available.
func (w *Writer) Write(ctx context.Context, reading domain.DeviceReading) error {
	select {
	case w.queue <- reading:
		w.metrics.QueueDepth.Store(int32(len(w.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the drain loop and returns at once. The loop exits once
// ctx is canceled, flushing any partial batch and draining whatever
// remains in the queue first.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.done)
		w.run(ctx)
	}()
}

// Stop waits for the drain loop to finish, up to ctx's deadline.
func (w *Writer) Stop(ctx context.Context) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("storage writer stop timed out, remaining queued readings are lost")
	}
}

func (w *Writer) run(ctx context.Context) {
	batch := make([]domain.DeviceReading, 0, w.batchSize)
	var batchStart time.Time

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case reading := <-w.queue:
			if len(batch) == 0 {
				batchStart = time.Now()
			}
			batch = append(batch, reading)
			w.metrics.QueueDepth.Store(int32(len(w.queue)))
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 && time.Since(batchStart) >= w.batchTimeout {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.drainRemaining(&batch)
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
			}
			return
		}
	}
}

// drainRemaining pulls whatever is already queued without blocking, so a
// shutdown flushes readings that were enqueued just before cancellation.
func (w *Writer) drainRemaining(batch *[]domain.DeviceReading) {
	for {
		select {
		case reading := <-w.queue:
			*batch = append(*batch, reading)
		default:
			return
		}
	}
}

// flush writes one batch, retrying with capped exponential backoff; a
// batch that exhausts every attempt is handed off to the DLQ.
func (w *Writer) flush(ctx context.Context, batch []domain.DeviceReading) {
	readings := make([]domain.DeviceReading, len(batch))
	copy(readings, batch)

	var lastErr error
	for attempt := 1; attempt <= w.maxRetryAttempts; attempt++ {
		if err := w.sink.WriteBatch(ctx, readings); err != nil {
			lastErr = err
			w.logger.Warn("batch write failed, retrying",
				ports.Field{Key: "attempt", Value: attempt},
				ports.Field{Key: "batch_size", Value: len(readings)},
				ports.Field{Key: "error", Value: err},
			)
			if attempt < w.maxRetryAttempts {
				delay := w.retry.NextInterval(attempt)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					lastErr = ctx.Err()
					attempt = w.maxRetryAttempts
				}
			}
			continue
		}

		w.metrics.BatchesFlushed.Add(1)
		w.metrics.RowsWritten.Add(uint64(len(readings)))
		return
	}

	w.metrics.BatchesFailed.Add(1)
	w.logger.Error("batch write exhausted retries, sending to dead-letter queue",
		ports.Field{Key: "batch_size", Value: len(readings)},
		ports.Field{Key: "error", Value: lastErr},
	)

	if w.dlq == nil {
		w.logger.Error("dead-letter queue disabled, dropping batch", ports.Field{Key: "batch_size", Value: len(readings)})
		return
	}
	if err := w.dlq.Write(readings); err != nil {
		w.logger.Error("dead-letter queue write failed, batch lost",
			ports.Field{Key: "batch_size", Value: len(readings)},
			ports.Field{Key: "error", Value: err},
		)
	}
}
