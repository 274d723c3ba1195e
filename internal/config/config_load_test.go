package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaults_IsInternallyValid(t *testing.T) {
	cfg := GetDefaults()
	// Defaults alone have no devices, which is legal (MQTT disabled, no Modbus devices).
	// The HTTP API key has no compiled-in default and is always supplied.
	cfg.HTTP.APIKey = "test-api-key"
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment_OverridesApp(t *testing.T) {
	t.Setenv("APP_NAME", "test-logger")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := GetDefaults()
	require.NoError(t, LoadFromEnvironment(cfg))

	assert.Equal(t, "test-logger", cfg.App.Name)
	assert.Equal(t, "debug", cfg.App.LogLevel)
}

func TestLoadFromEnvironment_LoadsDeviceTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")

	devices := []DeviceConfig{
		{
			DeviceID:  "dev-1",
			IPAddress: "10.0.0.5",
			Port:      502,
			UnitID:     1,
			MaxRetries: 3,
			Enabled:    true,
			Channels: []ChannelConfig{
				{ChannelNumber: 0, StartRegister: 0, RegisterCount: 2, ScaleFactor: 1.0, Enabled: true},
			},
		},
	}
	data, err := json.Marshal(devices)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("DEVICES_CONFIG_PATH", path)
	t.Setenv("HTTP_API_KEY", "test-api-key")

	cfg := GetDefaults()
	require.NoError(t, LoadFromEnvironment(cfg))

	require.Len(t, cfg.Modbus.Devices, 1)
	assert.Equal(t, "dev-1", cfg.Modbus.Devices[0].DeviceID)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment_RejectsMalformedTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	t.Setenv("DEVICES_CONFIG_PATH", path)

	cfg := GetDefaults()
	assert.Error(t, LoadFromEnvironment(cfg))
}
