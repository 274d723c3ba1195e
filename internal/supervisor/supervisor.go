// Package supervisor owns the full collection-and-durability lifecycle:
// it constructs the health tracker, reading assembler, Modbus pool, MQTT
// processor, batch writer and dead-letter queue, wires every reading
// callback into the write pipeline, and exposes the status/cache surface
// the HTTP interface reads from, per SPEC_FULL.md §4.C9.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/dlq"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/health"
	"github.com/ibs-source/adam-logger/internal/modbus"
	"github.com/ibs-source/adam-logger/internal/mqttclient"
	"github.com/ibs-source/adam-logger/internal/ports"
	"github.com/ibs-source/adam-logger/internal/storage"
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateStopped
)

// Supervisor is the long-running service described by SPEC_FULL.md §4.C9.
type Supervisor struct {
	cfg       *config.Config
	logger    ports.Logger
	metrics   *domain.Metrics
	tracker   *health.Tracker
	assembler *domain.Assembler
	cache     *readingCache

	pool          *modbus.Pool
	mqttClient    *mqttclient.Client
	mqttProcessor *mqttclient.Processor

	sink   ports.StorageSink
	writer *storage.Writer
	dlq    *dlq.DLQ

	state     atomic.Int32
	startTime time.Time
	cancel    context.CancelFunc
}

// New constructs every component (C2, C4, C5, C7, C8) and wires the shared
// reading callback into the batch writer, but starts nothing — call Start.
func New(cfg *config.Config, logger ports.Logger) (*Supervisor, error) {
	metrics := domain.NewMetrics()
	tracker := health.New(logger)
	assembler := domain.NewAssembler()

	sink, err := storage.NewTimescaleSink(context.Background(), cfg.Timescale)
	if err != nil {
		return nil, fmt.Errorf("supervisor: storage sink: %w", err)
	}

	var dlqWriter storage.DLQWriter
	var d *dlq.DLQ
	if cfg.Timescale.DLQEnabled {
		d, err = dlq.New(cfg.Timescale, sink, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("supervisor: dlq: %w", err)
		}
		dlqWriter = d
	}

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger.WithFields(ports.Field{Key: "component", Value: "supervisor"}),
		metrics:   metrics,
		tracker:   tracker,
		assembler: assembler,
		cache:     newReadingCache(),
		sink:      sink,
		writer:    storage.NewWriter(sink, dlqWriter, logger, metrics, cfg.Timescale),
		dlq:       d,
	}

	s.pool = modbus.NewPool(assembler, tracker, logger, cfg.Modbus, s.onReading)

	if cfg.MQTT.Enabled {
		mc, err := mqttclient.New(&cfg.MQTT, logger)
		if err != nil {
			return nil, fmt.Errorf("supervisor: mqtt client: %w", err)
		}
		s.mqttClient = mc
		s.mqttProcessor = mqttclient.NewProcessor(mc, assembler, logger, metrics, s.onReading)
	}

	return s, nil
}

// onReading is the shared callback both collection planes invoke: it
// updates process metrics and the latest-reading cache, then hands the
// reading to the batch writer, which blocks rather than drops when its
// queue is full.
func (s *Supervisor) onReading(r domain.DeviceReading) {
	s.metrics.ReadingsProduced.Add(1)
	if r.Quality != domain.QualityBad {
		s.metrics.ReadingsValidated.Add(1)
	}
	s.cache.put(r)

	if err := s.writer.Write(context.Background(), r); err != nil {
		s.logger.Error("reading dropped, writer did not accept it",
			ports.Field{Key: "device_id", Value: r.DeviceID},
			ports.Field{Key: "channel", Value: r.Channel},
			ports.Field{Key: "error", Value: err},
		)
	}
}

// Start launches the batch writer and DLQ replay task, registers a poll
// worker for every enabled Modbus device, and connects/subscribes the MQTT
// plane if configured.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return errors.New("supervisor: already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.startTime = time.Now()

	s.writer.Start(runCtx)
	if s.dlq != nil {
		s.dlq.Start(runCtx)
	}

	for _, dev := range s.cfg.Modbus.Devices {
		if err := s.pool.AddDevice(dev); err != nil {
			s.state.Store(int32(stateIdle))
			return fmt.Errorf("supervisor: adding device %q: %w", dev.DeviceID, err)
		}
	}

	if s.cfg.MQTT.Enabled {
		if err := s.mqttClient.Connect(ctx); err != nil {
			s.state.Store(int32(stateIdle))
			return fmt.Errorf("supervisor: mqtt connect: %w", err)
		}
		if err := s.mqttProcessor.Start(ctx, s.cfg.MQTT.Devices, s.cfg.MQTT.DefaultQoS); err != nil {
			s.state.Store(int32(stateIdle))
			return fmt.Errorf("supervisor: mqtt subscribe: %w", err)
		}
	}

	s.logger.Info("supervisor started",
		ports.Field{Key: "modbus_devices", Value: len(s.cfg.Modbus.Devices)},
		ports.Field{Key: "mqtt_enabled", Value: s.cfg.MQTT.Enabled},
	)
	return nil
}

// Stop stops the collection planes first, then drains and stops the batch
// writer, then lets the DLQ finish any in-flight replay — all bounded by
// ctx's deadline, per SPEC_FULL.md §4.C9 step 5.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return errors.New("supervisor: not running")
	}

	s.pool.StopAll()
	if s.cfg.MQTT.Enabled {
		s.mqttClient.Disconnect(5 * time.Second)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.writer.Stop(ctx)
	if s.dlq != nil {
		s.dlq.Stop(ctx)
	}
	if err := s.sink.Close(); err != nil {
		s.logger.Warn("error closing storage sink", ports.Field{Key: "error", Value: err})
	}

	s.state.Store(int32(stateStopped))
	s.logger.Info("supervisor stopped")
	return nil
}

// Status returns a point-in-time ServiceStatus snapshot.
func (s *Supervisor) Status() domain.ServiceStatus {
	running := state(s.state.Load()) == stateRunning
	var uptime time.Duration
	if running {
		uptime = time.Since(s.startTime)
	}
	return domain.ServiceStatus{
		Running:       running,
		StartTime:     s.startTime,
		Uptime:        uptime,
		ModbusDevices: len(s.pool.Devices()),
		MQTTEnabled:   s.cfg.MQTT.Enabled,
		DeviceHealth:  s.tracker.GetAll(),
	}
}

// RestartDevice delegates to the Modbus pool.
func (s *Supervisor) RestartDevice(deviceID string) error {
	return s.pool.RestartDevice(deviceID)
}

// DeviceHealth returns one device's snapshot, or false if unknown.
func (s *Supervisor) DeviceHealth(deviceID string) (domain.DeviceHealth, bool) {
	return s.tracker.Get(deviceID)
}

// AllDeviceHealth returns every known device's snapshot.
func (s *Supervisor) AllDeviceHealth() map[string]domain.DeviceHealth {
	return s.tracker.GetAll()
}

// LatestReading returns the cached latest reading for one device/channel.
func (s *Supervisor) LatestReading(deviceID string, channel int) (domain.DeviceReading, bool) {
	return s.cache.get(deviceID, channel)
}

// LatestReadingsForDevice returns every cached reading for one device.
func (s *Supervisor) LatestReadingsForDevice(deviceID string) []domain.DeviceReading {
	return s.cache.forDevice(deviceID)
}

// AllLatestReadings returns every cached reading.
func (s *Supervisor) AllLatestReadings() []domain.DeviceReading {
	return s.cache.all()
}

// ClearCache empties the latest-reading cache. Does not touch storage.
func (s *Supervisor) ClearCache() {
	s.cache.clear()
}

// MetricsSnapshot exposes the process-wide metrics snapshot.
func (s *Supervisor) MetricsSnapshot() domain.MetricsSnapshot {
	return s.metrics.Snapshot()
}

// StorageHealthy reports whether the storage sink is currently reachable.
func (s *Supervisor) StorageHealthy(ctx context.Context) error {
	return s.sink.TestConnection(ctx)
}

// Config returns the loaded configuration, for the safe /config view.
func (s *Supervisor) Config() *config.Config {
	return s.cfg
}
