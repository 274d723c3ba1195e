package config

import "time"

// GetDefaults returns a Config populated with compiled-in defaults.
func GetDefaults() *Config {
	return &Config{
		App:       defaultApp(),
		Modbus:    defaultModbus(),
		MQTT:      defaultMQTT(),
		Timescale: defaultTimescale(),
		HTTP:      defaultHTTP(),
	}
}

func defaultApp() AppConfig {
	return AppConfig{
		Name:            "adam-logger",
		Environment:     "production",
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 30 * time.Second,
	}
}

func defaultModbus() ModbusConfig {
	return ModbusConfig{
		DevicesConfigPath:       "",
		ConnectionRetryCooldown: 5 * time.Second,
		MaxRetryDelay:           30 * time.Second,
		PollErrorPause:          1 * time.Second,
		StopAllGrace:            500 * time.Millisecond,
	}
}

func defaultMQTT() MQTTConfig {
	return MQTTConfig{
		Enabled:             false,
		Broker:              "tcp://localhost:1883",
		ClientID:            generateClientID("adam-logger"),
		TLS:                 false,
		KeepAlive:           30 * time.Second,
		DefaultQoS:          1,
		ReconnectDelay:      5 * time.Second,
		MaxReconnectAttempt: 0,
		TLSConfig:           TLSConfig{},
		DevicesConfigPath:   "",
	}
}

func defaultTimescale() TimescaleConfig {
	return TimescaleConfig{
		Host:             "localhost",
		Port:             5432,
		Database:         "adam_logger",
		User:             "adam_logger",
		Table:            "counter_data",
		SSLMode:          false,
		BatchSize:        50,
		BatchTimeout:     5 * time.Second,
		FlushInterval:    1 * time.Second,
		QueueCapacity:    10000,
		MaxRetryAttempts: 5,
		RetryBaseDelay:   500 * time.Millisecond,
		MaxRetryDelay:    30 * time.Second,
		PoolMinConns:     2,
		PoolMaxConns:     10,
		InitTimeout:      10 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		DLQEnabled:       true,
		DLQPath:          "./dlq",
		DLQScan:          30 * time.Second,
	}
}

func defaultHTTP() HTTPConfig {
	return HTTPConfig{
		Enabled:              true,
		Port:                 8080,
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		AuthMode:             AuthModeAPIKey,
		AllowUnauthenticated: false,
	}
}
