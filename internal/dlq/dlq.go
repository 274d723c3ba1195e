// Package dlq is the durable, file-backed dead-letter spool the storage
// writer hands a batch to once it has exhausted its retry attempts against
// TimescaleDB, per SPEC_FULL.md §4.C8.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ibs-source/adam-logger/internal/backoff"
	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/ports"
)

// record is the self-describing on-disk form of one failed batch.
type record struct {
	Reason   string                 `json:"reason"`
	FailedAt time.Time              `json:"failed_at"`
	Readings []domain.DeviceReading `json:"readings"`
}

// DLQ is a directory of one file per failed batch. Write is called from the
// storage writer's goroutine; a background replay task drains the
// directory on its own schedule, so the two never contend beyond the
// filesystem itself.
type DLQ struct {
	path    string
	sink    ports.StorageSink
	logger  ports.Logger
	metrics *domain.Metrics

	scanInterval     time.Duration
	maxRetryAttempts int
	retry            *backoff.Exponential

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates the spool directory if it doesn't exist and returns a DLQ
// bound to sink for replay.
func New(cfg config.TimescaleConfig, sink ports.StorageSink, logger ports.Logger, metrics *domain.Metrics) (*DLQ, error) {
	if err := os.MkdirAll(cfg.DLQPath, 0o755); err != nil {
		return nil, fmt.Errorf("dlq: creating spool directory: %w", err)
	}
	return &DLQ{
		path:             cfg.DLQPath,
		sink:             sink,
		logger:           logger.WithFields(ports.Field{Key: "component", Value: "dlq"}),
		metrics:          metrics,
		scanInterval:     cfg.DLQScan,
		maxRetryAttempts: cfg.MaxRetryAttempts,
		retry: backoff.NewExponential(ports.RetryPolicy{
			MaxAttempts:     cfg.MaxRetryAttempts,
			InitialInterval: cfg.RetryBaseDelay,
			MaxInterval:     cfg.MaxRetryDelay,
		}),
		done: make(chan struct{}),
	}, nil
}

// Write spools readings to disk as one atomically-renamed file: marshaled
// to a tmp file in the same directory, fsynced, then renamed into place so
// a concurrent directory scan never observes a partially written file.
func (d *DLQ) Write(readings []domain.DeviceReading) error {
	rec := record{Reason: "storage retries exhausted", FailedAt: time.Now(), Readings: readings}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dlq: marshal record: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), uuid.NewString())
	finalPath := filepath.Join(d.path, name)
	tmpPath := filepath.Join(d.path, "."+name+".tmp")

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("dlq: create tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dlq: write tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dlq: fsync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dlq: close tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dlq: rename into place: %w", err)
	}

	d.metrics.DLQFilesWritten.Add(1)
	return nil
}

// Start launches the periodic replay task and returns at once; the task
// exits once ctx is canceled.
func (d *DLQ) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.done)
		d.run(ctx)
	}()
}

// Stop waits for the replay task to finish, up to ctx's deadline.
func (d *DLQ) Stop(ctx context.Context) {
	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("dlq replay task stop timed out")
	}
}

func (d *DLQ) run(ctx context.Context) {
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.replayOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// replayOnce scans the spool directory oldest-file-first and attempts to
// replay each through the sink, respecting the same retry policy as the
// writer's own flush. A file that still fails after retries is left in
// place for the next scan.
func (d *DLQ) replayOnce(ctx context.Context) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		d.logger.Error("dlq: reading spool directory failed", ports.Field{Key: "error", Value: err})
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue // skip directories and in-progress tmp files
		}
		names = append(names, e.Name())
	}
	sort.Strings(names) // the zero-padded nanosecond prefix makes lexical order chronological

	for _, name := range names {
		path := filepath.Join(d.path, name)
		data, err := os.ReadFile(path)
		if err != nil {
			d.logger.Error("dlq: reading spool file failed", ports.Field{Key: "file", Value: name}, ports.Field{Key: "error", Value: err})
			continue
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			d.logger.Error("dlq: spool file is corrupt, leaving in place", ports.Field{Key: "file", Value: name}, ports.Field{Key: "error", Value: err})
			continue
		}

		if err := d.replayWithRetry(ctx, rec.Readings); err != nil {
			d.logger.Warn("dlq: replay failed, will retry next scan", ports.Field{Key: "file", Value: name}, ports.Field{Key: "error", Value: err})
			continue
		}

		if err := os.Remove(path); err != nil {
			d.logger.Error("dlq: replayed file could not be removed", ports.Field{Key: "file", Value: name}, ports.Field{Key: "error", Value: err})
			continue
		}
		d.metrics.DLQFilesReplayed.Add(1)
	}
}

func (d *DLQ) replayWithRetry(ctx context.Context, readings []domain.DeviceReading) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxRetryAttempts; attempt++ {
		if err := d.sink.WriteBatch(ctx, readings); err != nil {
			lastErr = err
			if attempt < d.maxRetryAttempts {
				delay := d.retry.NextInterval(attempt)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}

// PendingCount returns the number of unreplayed files currently spooled,
// surfaced on the HTTP health/stats endpoints.
func (d *DLQ) PendingCount() (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, fmt.Errorf("dlq: reading spool directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n, nil
}
