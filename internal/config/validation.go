package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate checks the full configuration tree for structural errors. It is
// the last step of Load and the only thing standing between a malformed
// topology and a confusing runtime failure.
func (c *Config) Validate() error {
	if err := validateApp(c); err != nil {
		return err
	}
	if err := validateModbus(c); err != nil {
		return err
	}
	if err := validateMQTT(c); err != nil {
		return err
	}
	if err := validateTimescale(c); err != nil {
		return err
	}
	if err := validateHTTP(c); err != nil {
		return err
	}
	return nil
}

// --- App ---

func validateApp(c *Config) error {
	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if !isValidLogLevel(c.App.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.App.LogLevel)
	}
	if !isValidLogFormat(c.App.LogFormat) {
		return fmt.Errorf("invalid log format: %s", c.App.LogFormat)
	}
	if c.App.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "json", "text":
		return true
	default:
		return false
	}
}

// --- Modbus ---

func validateModbus(c *Config) error {
	seenIDs := make(map[string]struct{}, len(c.Modbus.Devices))
	for i := range c.Modbus.Devices {
		dev := &c.Modbus.Devices[i]
		if dev.DeviceID == "" {
			return fmt.Errorf("modbus device[%d]: device_id cannot be empty", i)
		}
		if _, dup := seenIDs[dev.DeviceID]; dup {
			return fmt.Errorf("modbus device %q: duplicate device_id", dev.DeviceID)
		}
		seenIDs[dev.DeviceID] = struct{}{}

		if net.ParseIP(dev.IPAddress) == nil {
			return fmt.Errorf("modbus device %q: ip_address %q does not parse", dev.DeviceID, dev.IPAddress)
		}
		if dev.Port < 1 || dev.Port > 65535 {
			return fmt.Errorf("modbus device %q: port %d out of range [1,65535]", dev.DeviceID, dev.Port)
		}
		if dev.UnitID < 1 {
			return fmt.Errorf("modbus device %q: unit_id must be in [1,255]", dev.DeviceID)
		}
		if dev.MaxRetries < 1 {
			return fmt.Errorf("modbus device %q: max_retries must be at least 1", dev.DeviceID)
		}
		if len(dev.Channels) == 0 {
			return fmt.Errorf("modbus device %q: at least one channel is required", dev.DeviceID)
		}
		if err := validateChannels(dev.DeviceID, dev.Channels); err != nil {
			return err
		}
	}
	return nil
}

func validateChannels(deviceID string, channels []ChannelConfig) error {
	seenChannels := make(map[int]struct{}, len(channels))
	for i := range channels {
		ch := &channels[i]
		if _, dup := seenChannels[ch.ChannelNumber]; dup {
			return fmt.Errorf("modbus device %q: duplicate channel_number %d", deviceID, ch.ChannelNumber)
		}
		seenChannels[ch.ChannelNumber] = struct{}{}

		switch ch.RegisterCount {
		case 1, 2, 4:
		default:
			return fmt.Errorf("modbus device %q channel %d: register_count must be 1, 2, or 4", deviceID, ch.ChannelNumber)
		}
		if ch.ScaleFactor <= 0 {
			return fmt.Errorf("modbus device %q channel %d: scale_factor must be positive", deviceID, ch.ChannelNumber)
		}
		if ch.Min != nil && ch.Max != nil && *ch.Min >= *ch.Max {
			return fmt.Errorf("modbus device %q channel %d: min must be less than max", deviceID, ch.ChannelNumber)
		}
	}
	return nil
}

// --- MQTT ---

func validateMQTT(c *Config) error {
	if !c.MQTT.Enabled {
		return nil
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker host must be set when mqtt is enabled")
	}
	if c.MQTT.TLS && strings.HasSuffix(c.MQTT.Broker, ":1883") {
		return fmt.Errorf("mqtt broker %q uses the plaintext default port 1883 with tls enabled; check the broker address", c.MQTT.Broker)
	}
	switch c.MQTT.DefaultQoS {
	case 0, 1, 2:
	default:
		return fmt.Errorf("mqtt default qos must be 0, 1, or 2")
	}

	seenIDs := make(map[string]struct{}, len(c.MQTT.Devices))
	for i := range c.MQTT.Devices {
		dev := &c.MQTT.Devices[i]
		if dev.DeviceID == "" {
			return fmt.Errorf("mqtt device[%d]: device_id cannot be empty", i)
		}
		if _, dup := seenIDs[dev.DeviceID]; dup {
			return fmt.Errorf("mqtt device %q: duplicate device_id", dev.DeviceID)
		}
		seenIDs[dev.DeviceID] = struct{}{}

		if len(dev.Topics) == 0 {
			return fmt.Errorf("mqtt device %q: at least one topic is required", dev.DeviceID)
		}
		for _, topic := range dev.Topics {
			if err := validateTopicFilter(topic); err != nil {
				return fmt.Errorf("mqtt device %q: %w", dev.DeviceID, err)
			}
		}
		if !isValidFormat(dev.Format) {
			return fmt.Errorf("mqtt device %q: invalid format %q", dev.DeviceID, dev.Format)
		}
		if !isValidDataType(dev.DataType) {
			return fmt.Errorf("mqtt device %q: invalid data_type %q", dev.DeviceID, dev.DataType)
		}
		if dev.Format == FormatJSON && (dev.ChannelPath == "" || dev.ValuePath == "") {
			return fmt.Errorf("mqtt device %q: json format requires channel_path and value_path", dev.DeviceID)
		}
		if dev.ScaleFactor == 0 {
			dev.ScaleFactor = 1.0
		}
	}
	return nil
}

// validateTopicFilter rejects the two malformed wildcard forms the spec
// calls out explicitly: "##" and "++". Other misplaced wildcards ('#'
// before the final level, '+' inside a longer level) are not rejected;
// topics.FilterMatches treats a '#' level as matching the rest of the
// topic and a '+' inside a longer level as a literal character.
func validateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic filter cannot be empty")
	}
	if strings.Contains(topic, "##") {
		return fmt.Errorf("topic filter %q: \"##\" is not a valid filter", topic)
	}
	if strings.Contains(topic, "++") {
		return fmt.Errorf("topic filter %q: \"++\" is not a valid filter", topic)
	}
	return nil
}

func isValidFormat(f MqttFormat) bool {
	switch f {
	case FormatJSON, FormatBinary, FormatCSV:
		return true
	default:
		return false
	}
}

func isValidDataType(d MqttDataType) bool {
	switch d {
	case DataTypeUInt32, DataTypeInt16, DataTypeUInt16, DataTypeFloat32, DataTypeFloat64:
		return true
	default:
		return false
	}
}

// --- Timescale ---

func validateTimescale(c *Config) error {
	ts := &c.Timescale
	if ts.Host == "" {
		return fmt.Errorf("timescale host cannot be empty")
	}
	if ts.Port < 1 || ts.Port > 65535 {
		return fmt.Errorf("timescale port out of range [1,65535]")
	}
	if ts.Database == "" {
		return fmt.Errorf("timescale database name cannot be empty")
	}
	if ts.Table == "" {
		return fmt.Errorf("timescale table name cannot be empty")
	}
	if ts.BatchSize <= 0 {
		return fmt.Errorf("timescale batch_size must be positive")
	}
	if ts.QueueCapacity <= 0 {
		return fmt.Errorf("timescale queue capacity must be positive")
	}
	if ts.PoolMinConns < 0 || ts.PoolMaxConns < ts.PoolMinConns {
		return fmt.Errorf("timescale pool bounds invalid: min=%d max=%d", ts.PoolMinConns, ts.PoolMaxConns)
	}
	if ts.DLQEnabled && ts.DLQPath == "" {
		return fmt.Errorf("dlq_path must be set when dlq is enabled")
	}
	return nil
}

// --- HTTP ---

func validateHTTP(c *Config) error {
	h := &c.HTTP
	if !h.Enabled {
		return nil
	}
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port out of range [1,65535]")
	}
	switch h.AuthMode {
	case AuthModeJWT:
		if h.JWTSecret == "" {
			return fmt.Errorf("http auth_mode=jwt requires a jwt secret")
		}
	case AuthModeAPIKey:
		if h.APIKey == "" {
			return fmt.Errorf("http auth_mode=api_key requires an api key")
		}
	case AuthModeNone:
		if !h.AllowUnauthenticated {
			return fmt.Errorf("http auth_mode=none requires allow_unauthenticated=true")
		}
	default:
		return fmt.Errorf("invalid http auth_mode: %s", h.AuthMode)
	}
	return nil
}
