package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := GetDefaults()
	cfg.Modbus.Devices = []DeviceConfig{
		{
			DeviceID:  "dev-1",
			IPAddress: "127.0.0.1",
			Port:      502,
			UnitID:     1,
			MaxRetries: 3,
			Enabled:    true,
			Channels: []ChannelConfig{
				{ChannelNumber: 0, StartRegister: 0, RegisterCount: 2, ScaleFactor: 1.0, Enabled: true},
			},
		},
	}
	cfg.HTTP.APIKey = "test-api-key"
	return cfg
}

func TestValidate_DefaultsWithDeviceAreValid(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsEmptyAppName(t *testing.T) {
	cfg := validConfig()
	cfg.App.Name = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsDuplicateDeviceID(t *testing.T) {
	cfg := validConfig()
	cfg.Modbus.Devices = append(cfg.Modbus.Devices, cfg.Modbus.Devices[0])
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNoChannels(t *testing.T) {
	cfg := validConfig()
	cfg.Modbus.Devices[0].Channels = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadRegisterCount(t *testing.T) {
	cfg := validConfig()
	cfg.Modbus.Devices[0].Channels[0].RegisterCount = 3
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsMinGEMax(t *testing.T) {
	cfg := validConfig()
	min, max := 10.0, 5.0
	cfg.Modbus.Devices[0].Channels[0].Min = &min
	cfg.Modbus.Devices[0].Channels[0].Max = &max
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Modbus.Devices[0].Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidate_MQTTDisabledSkipsValidation(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Enabled = false
	cfg.MQTT.Broker = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MQTTRejectsDoubleHashTopic(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.Devices = []MqttDeviceConfig{
		{
			DeviceID:    "sensor-1",
			Topics:      []string{"factory/##/counter"},
			Format:      FormatJSON,
			DataType:    DataTypeFloat32,
			ChannelPath: "$.ch",
			ValuePath:   "$.v",
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_MQTTRejectsDoublePlusTopic(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.Devices = []MqttDeviceConfig{
		{
			DeviceID:    "sensor-1",
			Topics:      []string{"factory/++/counter"},
			Format:      FormatJSON,
			DataType:    DataTypeFloat32,
			ChannelPath: "$.ch",
			ValuePath:   "$.v",
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_HTTPAuthModeNoneRequiresAllowFlag(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.AuthMode = AuthModeNone
	cfg.HTTP.AllowUnauthenticated = false
	assert.Error(t, cfg.Validate())

	cfg.HTTP.AllowUnauthenticated = true
	assert.NoError(t, cfg.Validate())
}

func TestValidate_HTTPAuthModeAPIKeyRequiresKey(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.AuthMode = AuthModeAPIKey
	cfg.HTTP.APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_TimescaleDLQEnabledRequiresPath(t *testing.T) {
	cfg := validConfig()
	cfg.Timescale.DLQEnabled = true
	cfg.Timescale.DLQPath = ""
	assert.Error(t, cfg.Validate())
}
