package config

import (
	"flag"
	"time"
)

var (
	flagLogLevel          *string
	flagDevicesConfigPath *string
	flagMQTTBroker        *string
	flagTimescaleHost     *string
	flagTimescalePort     *int
	flagHTTPPort          *int
	flagShutdownTimeout   *time.Duration
	flagDLQPath           *string
)

// RegisterFlags registers all command-line flags. Safe to call more than
// once (tests may invoke Load multiple times in one process).
func RegisterFlags() {
	if flag.Lookup("log-level") != nil {
		return
	}

	flagLogLevel = flag.String("log-level", "", "override LOG_LEVEL")
	flagDevicesConfigPath = flag.String("devices-config", "", "override DEVICES_CONFIG_PATH")
	flagMQTTBroker = flag.String("mqtt-broker", "", "override MQTT_BROKER")
	flagTimescaleHost = flag.String("timescale-host", "", "override TIMESCALE_HOST")
	flagTimescalePort = flag.Int("timescale-port", 0, "override TIMESCALE_PORT")
	flagHTTPPort = flag.Int("http-port", 0, "override HTTP_PORT")
	flagShutdownTimeout = flag.Duration("shutdown-timeout", 0, "override APP_SHUTDOWN_TIMEOUT")
	flagDLQPath = flag.String("dlq-path", "", "override DLQ_PATH")
}

// ApplyFlags applies command-line flag values on top of cfg, parsing the
// flag set first if it has not already been parsed.
func ApplyFlags(cfg *Config) error {
	if !flag.Parsed() {
		flag.Parse()
	}

	if flagLogLevel != nil && *flagLogLevel != "" {
		cfg.App.LogLevel = *flagLogLevel
	}
	if flagShutdownTimeout != nil && *flagShutdownTimeout > 0 {
		cfg.App.ShutdownTimeout = *flagShutdownTimeout
	}

	if flagDevicesConfigPath != nil && *flagDevicesConfigPath != "" {
		cfg.Modbus.DevicesConfigPath = *flagDevicesConfigPath
		devices, err := loadDeviceTopology(*flagDevicesConfigPath)
		if err != nil {
			return err
		}
		cfg.Modbus.Devices = devices
	}

	if flagMQTTBroker != nil && *flagMQTTBroker != "" {
		cfg.MQTT.Broker = *flagMQTTBroker
	}

	if flagTimescaleHost != nil && *flagTimescaleHost != "" {
		cfg.Timescale.Host = *flagTimescaleHost
	}
	if flagTimescalePort != nil && *flagTimescalePort != 0 {
		cfg.Timescale.Port = *flagTimescalePort
	}

	if flagHTTPPort != nil && *flagHTTPPort != 0 {
		cfg.HTTP.Port = *flagHTTPPort
	}

	if flagDLQPath != nil && *flagDLQPath != "" {
		cfg.Timescale.DLQPath = *flagDLQPath
	}

	return nil
}
