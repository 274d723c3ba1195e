package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ibs-source/adam-logger/internal/backoff"
	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/health"
	"github.com/ibs-source/adam-logger/internal/ports"
	"github.com/ibs-source/adam-logger/pkg/circuitbreaker"
)

// ErrDeviceNotRegistered is returned by RemoveDevice/RestartDevice for an
// unknown device_id, so callers (e.g. the HTTP restart endpoint) can tell
// it apart from an internal failure and report 404 instead of 500.
var ErrDeviceNotRegistered = errors.New("modbus: device not registered")

// ReadingCallback receives every reading produced by a device's poll
// loop, on the poll loop's own goroutine.
type ReadingCallback func(domain.DeviceReading)

// connFactory lets tests substitute a fake ports.ModbusConnection.
type connFactory func(config.DeviceConfig) ports.ModbusConnection

// Pool owns one poll loop goroutine per active device, per
// SPEC_FULL.md §4.C4.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*deviceWorker

	assembler *domain.Assembler
	tracker   *health.Tracker
	logger    ports.Logger
	onReading ReadingCallback
	newConn   connFactory

	connectCooldown time.Duration
	maxRetryDelay   time.Duration
	pollErrorPause  time.Duration
	stopAllGrace    time.Duration
}

type deviceWorker struct {
	cfg    config.DeviceConfig
	conn   ports.ModbusConnection
	cb     *circuitbreaker.CircuitBreaker
	retry  *backoff.Exponential
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates an empty Pool wired to assembler, tracker, logger and
// the retry/backoff parameters from cfg.
func NewPool(assembler *domain.Assembler, tracker *health.Tracker, logger ports.Logger, cfg config.ModbusConfig, onReading ReadingCallback) *Pool {
	return &Pool{
		workers:         make(map[string]*deviceWorker),
		assembler:       assembler,
		tracker:         tracker,
		logger:          logger.WithFields(ports.Field{Key: "component", Value: "modbus-pool"}),
		onReading:       onReading,
		newConn:         func(dev config.DeviceConfig) ports.ModbusConnection { return NewConnection(dev) },
		connectCooldown: cfg.ConnectionRetryCooldown,
		maxRetryDelay:   cfg.MaxRetryDelay,
		pollErrorPause:  cfg.PollErrorPause,
		stopAllGrace:    cfg.StopAllGrace,
	}
}

// AddDevice starts a poll loop for dev. Disabled devices are accepted
// without error but never polled.
func (p *Pool) AddDevice(dev config.DeviceConfig) error {
	if !dev.Enabled {
		return nil
	}

	p.mu.Lock()
	if _, exists := p.workers[dev.DeviceID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("modbus: device %q already registered", dev.DeviceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &deviceWorker{
		cfg:  dev,
		conn: p.newConn(dev),
		cb:   circuitbreaker.New(dev.DeviceID, 50, 2, p.connectCooldown, 1, 3).WithLogger(p.logger),
		retry: backoff.NewExponential(ports.RetryPolicy{
			MaxAttempts:     dev.MaxRetries,
			InitialInterval: p.connectCooldown,
			MaxInterval:     p.maxRetryDelay,
		}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.workers[dev.DeviceID] = w
	p.mu.Unlock()

	go p.pollLoop(ctx, w)
	return nil
}

// RemoveDevice stops dev's poll loop, waits for it to exit (up to
// stopAllGrace), and disconnects its session.
func (p *Pool) RemoveDevice(deviceID string) error {
	p.mu.Lock()
	w, ok := p.workers[deviceID]
	if ok {
		delete(p.workers, deviceID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("modbus: device %q: %w", deviceID, ErrDeviceNotRegistered)
	}

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(p.stopAllGrace):
		p.logger.Warn("device poll loop did not exit within grace period", ports.Field{Key: "device_id", Value: deviceID})
	}
	_ = w.conn.Disconnect()
	for _, ch := range w.cfg.Channels {
		p.assembler.Forget(deviceID, ch.ChannelNumber)
	}
	p.tracker.Reset(deviceID)
	return nil
}

// RestartDevice removes and re-adds dev, giving it a fresh connection and
// a clean circuit breaker.
func (p *Pool) RestartDevice(deviceID string) error {
	p.mu.RLock()
	w, ok := p.workers[deviceID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("modbus: device %q: %w", deviceID, ErrDeviceNotRegistered)
	}
	cfg := w.cfg

	if err := p.RemoveDevice(deviceID); err != nil {
		return err
	}
	return p.AddDevice(cfg)
}

// StopAll stops every poll loop, each bounded by stopAllGrace.
func (p *Pool) StopAll() {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		if err := p.RemoveDevice(id); err != nil {
			p.logger.Warn("error stopping device", ports.Field{Key: "device_id", Value: id}, ports.Field{Key: "error", Value: err})
		}
	}
}

// Devices returns the device_id of every currently registered device.
func (p *Pool) Devices() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) pollLoop(ctx context.Context, w *deviceWorker) {
	defer close(w.done)

	reconnectAttempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if !w.conn.IsConnected() {
			err := w.cb.Execute(func() error { return w.conn.Connect(ctx) })
			if err != nil {
				reconnectAttempt++
				p.logger.Warn("device connect failed",
					ports.Field{Key: "device_id", Value: w.cfg.DeviceID},
					ports.Field{Key: "attempt", Value: reconnectAttempt},
					ports.Field{Key: "max_retries", Value: w.cfg.MaxRetries},
					ports.Field{Key: "error", Value: err},
				)
				if reconnectAttempt >= w.cfg.MaxRetries {
					p.tracker.RecordFailure(w.cfg.DeviceID,
						fmt.Errorf("exceeded max_retries (%d) reconnecting: %w", w.cfg.MaxRetries, err))
					p.logger.Error("device exceeded max_retries reconnecting, marking offline and stopping poll loop",
						ports.Field{Key: "device_id", Value: w.cfg.DeviceID},
						ports.Field{Key: "max_retries", Value: w.cfg.MaxRetries},
					)
					return
				}
				if !p.sleep(ctx, w.retry.NextInterval(reconnectAttempt)) {
					return
				}
				continue
			}
			reconnectAttempt = 0
		}

		unexpectedErr := p.pollChannels(ctx, w)
		if unexpectedErr {
			if !p.sleep(ctx, p.pollErrorPause) {
				return
			}
			continue
		}

		if !p.sleep(ctx, w.cfg.PollInterval) {
			return
		}
	}
}

// pollChannels polls every enabled channel of w in configured order,
// returning true if any channel read failed. A failed read is recorded
// with the health tracker and closes the session, so the poll loop pauses
// for pollErrorPause and then reconnects on its next iteration.
func (p *Pool) pollChannels(ctx context.Context, w *deviceWorker) bool {
	unexpected := false
	for _, ch := range w.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return unexpected
		}

		words, latency, err := w.conn.ReadRegisters(ctx, ch.StartRegister, ch.RegisterCount)
		if err != nil {
			p.tracker.RecordFailure(w.cfg.DeviceID, err)
			_ = w.conn.Disconnect()
			unexpected = true
			continue
		}
		p.tracker.RecordSuccess(w.cfg.DeviceID, latency)

		raw, err := domain.AssembleCounter(words)
		if err != nil {
			p.logger.Error("counter assembly failed",
				ports.Field{Key: "device_id", Value: w.cfg.DeviceID},
				ports.Field{Key: "channel", Value: ch.ChannelNumber},
				ports.Field{Key: "error", Value: err},
			)
			continue
		}

		reading := p.assembler.BuildReading(w.cfg.DeviceID, ch.ChannelNumber, raw, toChannelSpec(ch), time.Now())
		if p.onReading != nil {
			p.onReading(reading)
		}
	}
	return unexpected
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func toChannelSpec(ch config.ChannelConfig) domain.ChannelSpec {
	return domain.ChannelSpec{
		ScaleFactor:   ch.ScaleFactor,
		Offset:        ch.Offset,
		Min:           ch.Min,
		Max:           ch.Max,
		MaxChangeRate: ch.MaxChangeRate,
		Unit:          ch.Unit,
	}
}
