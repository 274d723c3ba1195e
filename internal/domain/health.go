package domain

import "time"

// MaxConsecutiveFailures is the offline threshold: once a device accumulates
// this many consecutive failed reads, it is reported disconnected.
const MaxConsecutiveFailures = 5

// DeviceHealth is a point-in-time snapshot of one device's health, derived
// from its running counters in the health tracker.
type DeviceHealth struct {
	DeviceID            string
	IsConnected         bool
	LastSuccessfulRead  time.Time
	ConsecutiveFailures int
	TotalReads          uint64
	SuccessfulReads     uint64
	LastError           string
	SuccessRate         float64
	AvgLatencyMs        float64
}

// ServiceStatus is the supervisor's point-in-time snapshot, surfaced by the
// HTTP health/devices endpoints.
type ServiceStatus struct {
	Running       bool
	StartTime     time.Time
	Uptime        time.Duration
	ModbusDevices int
	MQTTEnabled   bool
	DeviceHealth  map[string]DeviceHealth
}
