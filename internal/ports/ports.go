// Package ports defines the service interfaces (ports) used by the
// application to decouple domain logic from concrete Modbus, MQTT, and
// storage implementations.
package ports

import (
	"context"
	"time"

	"github.com/ibs-source/adam-logger/internal/domain"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// Field represents a structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// MessageHandler is the callback invoked for each MQTT message matching a
// subscribed topic filter.
type MessageHandler func(topic string, payload []byte)

// MQTTClient defines the interface for the managed MQTT broker connection.
// It is an interface so tests can substitute an in-memory broker, per
// SPEC_FULL.md §9 "Polymorphism".
type MQTTClient interface {
	Connect(ctx context.Context) error
	Disconnect(timeout time.Duration)
	IsConnected() bool
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

// ModbusConnection defines the interface for one Modbus/TCP device session.
// Implemented by internal/modbus.Connection; substituted by fakes in
// internal/modbus tests.
type ModbusConnection interface {
	Connect(ctx context.Context) error
	ReadRegisters(ctx context.Context, start uint16, count int) ([]uint16, time.Duration, error)
	TestConnection(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

// StorageSink defines the interface for the batch-writer's persistence
// target. Implemented by internal/storage.TimescaleSink in production and
// by in-memory fakes in tests.
type StorageSink interface {
	WriteBatch(ctx context.Context, readings []domain.DeviceReading) error
	TestConnection(ctx context.Context) error
	Close() error
}

// HealthStatus represents the health status of one component, surfaced on
// the HTTP health endpoints.
type HealthStatus struct {
	Healthy bool
	Message string
	Details map[string]interface{}
}

// CircuitBreaker defines the interface for the circuit breaker pattern.
type CircuitBreaker interface {
	Execute(fn func() error) error
	GetState() string
	GetStats() CircuitBreakerStats
}

// CircuitBreakerStats represents circuit breaker statistics.
type CircuitBreakerStats struct {
	Requests            uint64
	TotalSuccess        uint64
	TotalFailure        uint64
	ConsecutiveFailures uint64
	State               string
}

// RetryPolicy defines retry behavior shared by the Modbus connection and
// the storage sink's batch writer.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

// BackoffStrategy defines the backoff strategy for retries.
type BackoffStrategy interface {
	NextInterval(attempt int) time.Duration
}
