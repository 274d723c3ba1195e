package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFromEnvironment overlays environment-variable overrides onto cfg and,
// when a devices-config-path is set (by default or by environment), loads
// the Modbus and MQTT device topology files.
func LoadFromEnvironment(cfg *Config) error {
	loadAppEnv(&cfg.App)
	loadModbusEnv(&cfg.Modbus)
	loadMQTTEnv(&cfg.MQTT)
	loadTimescaleEnv(&cfg.Timescale)
	loadHTTPEnv(&cfg.HTTP)

	if path := getEnv("DEVICES_CONFIG_PATH", cfg.Modbus.DevicesConfigPath); path != "" {
		cfg.Modbus.DevicesConfigPath = path
		devices, err := loadDeviceTopology(path)
		if err != nil {
			return fmt.Errorf("loading Modbus device topology from %q: %w", path, err)
		}
		cfg.Modbus.Devices = devices
	}

	if path := getEnv("MQTT_DEVICES_CONFIG_PATH", cfg.MQTT.DevicesConfigPath); path != "" {
		cfg.MQTT.DevicesConfigPath = path
		devices, err := loadMQTTDeviceTopology(path)
		if err != nil {
			return fmt.Errorf("loading MQTT device topology from %q: %w", path, err)
		}
		cfg.MQTT.Devices = devices
	}

	return nil
}

func loadAppEnv(app *AppConfig) {
	app.Name = getEnv("APP_NAME", app.Name)
	app.Environment = getEnv("APP_ENV", app.Environment)
	app.LogLevel = getEnv("LOG_LEVEL", app.LogLevel)
	app.LogFormat = getEnv("LOG_FORMAT", app.LogFormat)
	app.ShutdownTimeout = getDurationEnv("APP_SHUTDOWN_TIMEOUT", app.ShutdownTimeout)
	app.CPUAffinity = getIntSliceEnv("APP_CPU_AFFINITY", app.CPUAffinity)
}

func loadModbusEnv(m *ModbusConfig) {
	m.DevicesConfigPath = getEnv("DEVICES_CONFIG_PATH", m.DevicesConfigPath)
	m.ConnectionRetryCooldown = getDurationEnv("MODBUS_CONNECTION_RETRY_COOLDOWN", m.ConnectionRetryCooldown)
	m.MaxRetryDelay = getDurationEnv("MODBUS_MAX_RETRY_DELAY", m.MaxRetryDelay)
	m.PollErrorPause = getDurationEnv("MODBUS_POLL_ERROR_PAUSE", m.PollErrorPause)
	m.StopAllGrace = getDurationEnv("MODBUS_STOP_ALL_GRACE", m.StopAllGrace)
}

func loadMQTTEnv(mq *MQTTConfig) {
	mq.Enabled = getBoolEnv("MQTT_ENABLED", mq.Enabled)
	mq.Broker = getEnv("MQTT_BROKER", mq.Broker)
	mq.ClientID = getEnv("MQTT_CLIENT_ID", mq.ClientID)
	mq.Username = getEnv("MQTT_USERNAME", mq.Username)
	mq.Password = getEnv("MQTT_PASSWORD", mq.Password)
	mq.TLS = getBoolEnv("MQTT_TLS", mq.TLS)
	mq.KeepAlive = getDurationEnv("MQTT_KEEP_ALIVE", mq.KeepAlive)
	mq.DefaultQoS = byte(getIntEnv("MQTT_DEFAULT_QOS", int(mq.DefaultQoS)))
	mq.ReconnectDelay = getDurationEnv("MQTT_RECONNECT_DELAY", mq.ReconnectDelay)
	mq.MaxReconnectAttempt = getIntEnv("MQTT_MAX_RECONNECT_ATTEMPTS", mq.MaxReconnectAttempt)
	mq.DevicesConfigPath = getEnv("MQTT_DEVICES_CONFIG_PATH", mq.DevicesConfigPath)

	mq.TLSConfig.CACertFile = getEnv("MQTT_CA_CERT", mq.TLSConfig.CACertFile)
	mq.TLSConfig.ClientCertFile = getEnv("MQTT_CLIENT_CERT", mq.TLSConfig.ClientCertFile)
	mq.TLSConfig.ClientKeyFile = getEnv("MQTT_CLIENT_KEY", mq.TLSConfig.ClientKeyFile)
	mq.TLSConfig.InsecureSkipVerify = getBoolEnv("MQTT_TLS_INSECURE", mq.TLSConfig.InsecureSkipVerify)
}

func loadTimescaleEnv(ts *TimescaleConfig) {
	ts.Host = getEnv("TIMESCALE_HOST", ts.Host)
	ts.Port = getIntEnv("TIMESCALE_PORT", ts.Port)
	ts.Database = getEnv("TIMESCALE_DB", ts.Database)
	ts.User = getEnv("TIMESCALE_USER", ts.User)
	ts.Password = getEnv("TIMESCALE_PASSWORD", ts.Password)
	ts.Table = getEnv("TIMESCALE_TABLE", ts.Table)
	ts.SSLMode = getBoolEnv("TIMESCALE_SSL", ts.SSLMode)

	ts.BatchSize = getIntEnv("TIMESCALE_BATCH_SIZE", ts.BatchSize)
	ts.BatchTimeout = getDurationEnv("TIMESCALE_BATCH_TIMEOUT", ts.BatchTimeout)
	ts.FlushInterval = getDurationEnv("TIMESCALE_FLUSH_INTERVAL", ts.FlushInterval)
	ts.QueueCapacity = getIntEnv("TIMESCALE_QUEUE_CAPACITY", ts.QueueCapacity)
	ts.MaxRetryAttempts = getIntEnv("TIMESCALE_MAX_RETRY_ATTEMPTS", ts.MaxRetryAttempts)
	ts.RetryBaseDelay = getDurationEnv("TIMESCALE_RETRY_BASE_DELAY", ts.RetryBaseDelay)
	ts.MaxRetryDelay = getDurationEnv("TIMESCALE_MAX_RETRY_DELAY", ts.MaxRetryDelay)

	ts.PoolMinConns = getIntEnv("TIMESCALE_POOL_MIN_CONNS", ts.PoolMinConns)
	ts.PoolMaxConns = getIntEnv("TIMESCALE_POOL_MAX_CONNS", ts.PoolMaxConns)

	ts.InitTimeout = getDurationEnv("TIMESCALE_INIT_TIMEOUT", ts.InitTimeout)
	ts.ShutdownTimeout = getDurationEnv("TIMESCALE_SHUTDOWN_TIMEOUT", ts.ShutdownTimeout)

	ts.DLQEnabled = getBoolEnv("DLQ_ENABLED", ts.DLQEnabled)
	ts.DLQPath = getEnv("DLQ_PATH", ts.DLQPath)
	ts.DLQScan = getDurationEnv("DLQ_SCAN_INTERVAL", ts.DLQScan)
}

func loadHTTPEnv(h *HTTPConfig) {
	h.Enabled = getBoolEnv("HTTP_ENABLED", h.Enabled)
	h.Port = getIntEnv("HTTP_PORT", h.Port)
	h.ReadTimeout = getDurationEnv("HTTP_READ_TIMEOUT", h.ReadTimeout)
	h.WriteTimeout = getDurationEnv("HTTP_WRITE_TIMEOUT", h.WriteTimeout)
	h.AuthMode = AuthMode(getEnv("HTTP_AUTH_MODE", string(h.AuthMode)))
	h.AllowUnauthenticated = getBoolEnv("HTTP_ALLOW_UNAUTHENTICATED", h.AllowUnauthenticated)
	h.JWTSecret = getEnv("HTTP_JWT_SECRET", h.JWTSecret)
	h.APIKey = getEnv("HTTP_API_KEY", h.APIKey)
}

// loadDeviceTopology reads and decodes a JSON array of DeviceConfig.
func loadDeviceTopology(path string) ([]DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var devices []DeviceConfig
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parsing device topology: %w", err)
	}
	return devices, nil
}

// loadMQTTDeviceTopology reads and decodes a JSON array of MqttDeviceConfig.
func loadMQTTDeviceTopology(path string) ([]MqttDeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var devices []MqttDeviceConfig
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parsing MQTT device topology: %w", err)
	}
	return devices, nil
}
