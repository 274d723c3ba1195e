// Package config loads, merges, and validates application configuration from defaults, environment, and flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ibs-source/adam-logger/internal/timeutil"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Modbus    ModbusConfig
	MQTT      MQTTConfig
	Timescale TimescaleConfig
	HTTP      HTTPConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name            string
	Environment     string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// CPUAffinity pins the process to a CPU set, best-effort (see
	// internal/runtime). Empty means no pinning.
	CPUAffinity []int
}

// ModbusConfig holds pool-wide Modbus settings and the device topology.
type ModbusConfig struct {
	// DevicesConfigPath points at a JSON file listing DeviceConfig entries.
	// The device list is open-ended and nested, so it is not flattened into
	// individual environment variables (see SPEC_FULL.md §10.1).
	DevicesConfigPath string

	ConnectionRetryCooldown time.Duration
	MaxRetryDelay           time.Duration
	PollErrorPause          time.Duration
	StopAllGrace            time.Duration

	Devices []DeviceConfig
}

// ChannelConfig describes one counter channel on a Modbus device.
type ChannelConfig struct {
	ChannelNumber  int               `json:"channel_number"`
	StartRegister  uint16            `json:"start_register"`
	RegisterCount  int               `json:"register_count"`
	ScaleFactor    float64           `json:"scale_factor"`
	Offset         float64           `json:"offset"`
	Min            *float64          `json:"min,omitempty"`
	Max            *float64          `json:"max,omitempty"`
	MaxChangeRate  *float64          `json:"max_change_rate,omitempty"`
	Enabled        bool              `json:"enabled"`
	Unit           string            `json:"unit,omitempty"`
	RateWindow     time.Duration     `json:"rate_window,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// DeviceConfig describes one Modbus/TCP device and its channels.
type DeviceConfig struct {
	DeviceID       string
	IPAddress      string
	Port           int
	UnitID         byte
	Enabled        bool
	PollInterval   time.Duration
	Timeout        time.Duration
	MaxRetries     int
	KeepAlive      bool
	SendBufferSize int
	RecvBufferSize int
	Channels       []ChannelConfig
}

// deviceConfigJSON is DeviceConfig's wire shape: poll_interval_ms and
// timeout_ms are plain millisecond counts, not nanoseconds, so a device
// topology file can use human-sized integers instead of Go duration strings.
type deviceConfigJSON struct {
	DeviceID       string          `json:"device_id"`
	IPAddress      string          `json:"ip_address"`
	Port           int             `json:"port"`
	UnitID         byte            `json:"unit_id"`
	Enabled        bool            `json:"enabled"`
	PollIntervalMs int64           `json:"poll_interval_ms"`
	TimeoutMs      int64           `json:"timeout_ms"`
	MaxRetries     int             `json:"max_retries"`
	KeepAlive      bool            `json:"keep_alive"`
	SendBufferSize int             `json:"send_buffer_size"`
	RecvBufferSize int             `json:"recv_buffer_size"`
	Channels       []ChannelConfig `json:"channels"`
}

// MarshalJSON encodes PollInterval/Timeout as millisecond integers.
func (d DeviceConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(deviceConfigJSON{
		DeviceID:       d.DeviceID,
		IPAddress:      d.IPAddress,
		Port:           d.Port,
		UnitID:         d.UnitID,
		Enabled:        d.Enabled,
		PollIntervalMs: d.PollInterval.Milliseconds(),
		TimeoutMs:      d.Timeout.Milliseconds(),
		MaxRetries:     d.MaxRetries,
		KeepAlive:      d.KeepAlive,
		SendBufferSize: d.SendBufferSize,
		RecvBufferSize: d.RecvBufferSize,
		Channels:       d.Channels,
	})
}

// UnmarshalJSON decodes poll_interval_ms/timeout_ms as millisecond integers.
func (d *DeviceConfig) UnmarshalJSON(data []byte) error {
	var raw deviceConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.DeviceID = raw.DeviceID
	d.IPAddress = raw.IPAddress
	d.Port = raw.Port
	d.UnitID = raw.UnitID
	d.Enabled = raw.Enabled
	d.PollInterval = timeutil.FromMillis(raw.PollIntervalMs)
	d.Timeout = timeutil.FromMillis(raw.TimeoutMs)
	d.MaxRetries = raw.MaxRetries
	d.KeepAlive = raw.KeepAlive
	d.SendBufferSize = raw.SendBufferSize
	d.RecvBufferSize = raw.RecvBufferSize
	d.Channels = raw.Channels
	return nil
}

// MQTTConfig holds MQTT broker settings and the MQTT-sourced device set.
type MQTTConfig struct {
	Enabled             bool
	Broker              string
	ClientID            string
	Username            string
	Password            string
	TLS                 bool
	KeepAlive           time.Duration
	DefaultQoS          byte
	ReconnectDelay      time.Duration
	MaxReconnectAttempt int // 0 = unbounded

	TLSConfig TLSConfig

	DevicesConfigPath string
	Devices           []MqttDeviceConfig
}

// TLSConfig holds TLS settings for the MQTT connection.
type TLSConfig struct {
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// MqttFormat is the wire encoding of an MQTT device's payload.
type MqttFormat string

// MqttDataType is the scalar type encoded within an MQTT payload.
type MqttDataType string

const (
	FormatJSON   MqttFormat = "json"
	FormatBinary MqttFormat = "binary"
	FormatCSV    MqttFormat = "csv"

	DataTypeUInt32  MqttDataType = "uint32"
	DataTypeInt16   MqttDataType = "int16"
	DataTypeUInt16  MqttDataType = "uint16"
	DataTypeFloat32 MqttDataType = "float32"
	DataTypeFloat64 MqttDataType = "float64"
)

// MqttDeviceConfig describes one MQTT-publishing sensor.
type MqttDeviceConfig struct {
	DeviceID string       `json:"device_id"`
	Topics   []string     `json:"topics"`
	Format   MqttFormat   `json:"format"`
	DataType MqttDataType `json:"data_type"`
	QoS      *byte        `json:"qos,omitempty"`

	ChannelPath   string `json:"channel_path,omitempty"`
	ValuePath     string `json:"value_path,omitempty"`
	DeviceIDPath  string `json:"device_id_path,omitempty"`
	TimestampPath string `json:"timestamp_path,omitempty"`

	ScaleFactor float64 `json:"scale_factor"`
	Unit        string  `json:"unit,omitempty"`
}

// TimescaleConfig holds the storage sink and batch-writer settings.
type TimescaleConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Table    string
	SSLMode  bool

	BatchSize        int
	BatchTimeout     time.Duration
	FlushInterval    time.Duration
	QueueCapacity    int
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	MaxRetryDelay    time.Duration

	PoolMinConns int
	PoolMaxConns int

	InitTimeout     time.Duration
	ShutdownTimeout time.Duration

	DLQEnabled bool
	DLQPath    string
	DLQScan    time.Duration
}

// AuthMode selects which Authenticator guards the HTTP surface.
type AuthMode string

const (
	AuthModeJWT    AuthMode = "jwt"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeNone   AuthMode = "none"
)

// HTTPConfig holds the HTTP interface settings.
type HTTPConfig struct {
	Enabled              bool
	Port                 int
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	AuthMode             AuthMode
	AllowUnauthenticated bool
	JWTSecret            string
	APIKey               string
}

// Load builds the effective configuration from defaults, environment
// variables, and command-line flags (in that order of increasing
// precedence), then validates the result.
func Load() (*Config, error) {
	RegisterFlags()

	cfg := GetDefaults()

	if err := LoadFromEnvironment(cfg); err != nil {
		return nil, fmt.Errorf("loading configuration from environment: %w", err)
	}

	if err := ApplyFlags(cfg); err != nil {
		return nil, fmt.Errorf("applying command-line flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Helper functions shared by defaults/environment/flags.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getIntSliceEnv(key string, defaultValue []int) []int {
	raw := getEnvSlice(key, nil)
	if raw == nil {
		return defaultValue
	}
	ints := make([]int, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return defaultValue
		}
		ints = append(ints, v)
	}
	return ints
}

func generateClientID(prefix string) string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%s-%d", prefix, hostname, os.Getpid())
}
