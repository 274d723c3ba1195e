package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/modbus"
	"github.com/ibs-source/adam-logger/internal/ports"
)

type fakeLogger struct{}

func (fakeLogger) Trace(msg string, fields ...ports.Field) {}
func (fakeLogger) Debug(msg string, fields ...ports.Field) {}
func (fakeLogger) Info(msg string, fields ...ports.Field)  {}
func (fakeLogger) Warn(msg string, fields ...ports.Field)  {}
func (fakeLogger) Error(msg string, fields ...ports.Field) {}
func (fakeLogger) Fatal(msg string, fields ...ports.Field) {}
func (f fakeLogger) WithFields(fields ...ports.Field) ports.Logger { return f }

// fakeSupervisor implements supervisorView without any real Modbus/MQTT/
// storage wiring, so handlers can be exercised in isolation.
type fakeSupervisor struct {
	status       domain.ServiceStatus
	health       map[string]domain.DeviceHealth
	restartErr   error
	restartCalls []string
	latest       map[string][]domain.DeviceReading
	allLatest    []domain.DeviceReading
	cacheCleared bool
	snapshot     domain.MetricsSnapshot
	storageErr   error
	cfg          *config.Config
}

func (f *fakeSupervisor) Status() domain.ServiceStatus { return f.status }

func (f *fakeSupervisor) DeviceHealth(deviceID string) (domain.DeviceHealth, bool) {
	h, ok := f.health[deviceID]
	return h, ok
}

func (f *fakeSupervisor) RestartDevice(deviceID string) error {
	f.restartCalls = append(f.restartCalls, deviceID)
	return f.restartErr
}

func (f *fakeSupervisor) LatestReading(deviceID string, channel int) (domain.DeviceReading, bool) {
	for _, r := range f.latest[deviceID] {
		if r.Channel == channel {
			return r, true
		}
	}
	return domain.DeviceReading{}, false
}

func (f *fakeSupervisor) LatestReadingsForDevice(deviceID string) []domain.DeviceReading {
	return f.latest[deviceID]
}

func (f *fakeSupervisor) AllLatestReadings() []domain.DeviceReading { return f.allLatest }

func (f *fakeSupervisor) ClearCache() { f.cacheCleared = true }

func (f *fakeSupervisor) MetricsSnapshot() domain.MetricsSnapshot { return f.snapshot }

func (f *fakeSupervisor) StorageHealthy(_ context.Context) error { return f.storageErr }

func (f *fakeSupervisor) Config() *config.Config { return f.cfg }

func newTestServer(t *testing.T, sup *fakeSupervisor) *Server {
	t.Helper()
	if sup.cfg == nil {
		sup.cfg = &config.Config{
			Timescale: config.TimescaleConfig{Host: "db", Port: 5432, Database: "adam", Table: "readings"},
			Modbus:    config.ModbusConfig{Devices: []config.DeviceConfig{{DeviceID: "dev-1"}}},
		}
	}
	s, err := New(config.HTTPConfig{
		Port:                 0,
		AuthMode:             config.AuthModeNone,
		AllowUnauthenticated: true,
		ReadTimeout:          time.Second,
		WriteTimeout:         time.Second,
	}, sup, fakeLogger{})
	require.NoError(t, err)
	return s
}

func sampleReading(deviceID string, channel int) domain.DeviceReading {
	v := 12.5
	return domain.DeviceReading{DeviceID: deviceID, Channel: channel, Timestamp: time.Now(), ProcessedValue: &v, Rate: &v, Quality: domain.QualityGood}
}

func TestHandleHealth_ReturnsRunningState(t *testing.T) {
	sup := &fakeSupervisor{status: domain.ServiceStatus{Running: true, Uptime: time.Minute}}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.withAuth(s.handleHealth)(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"running":true`)
}

func TestHandleHealthDetailed_ReportsStorageFailure(t *testing.T) {
	sup := &fakeSupervisor{storageErr: assertErr("db down")}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodGet, "/health/detailed", nil)
	rr := httptest.NewRecorder()
	s.withAuth(s.handleHealthDetailed)(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "db down")
}

func TestHandleDevice_UnknownDeviceReturns404(t *testing.T) {
	sup := &fakeSupervisor{health: map[string]domain.DeviceHealth{}}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodGet, "/devices/ghost", nil)
	req.SetPathValue("id", "ghost")
	rr := httptest.NewRecorder()
	s.withAuth(s.handleDevice)(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleDevice_KnownDeviceReturns200(t *testing.T) {
	sup := &fakeSupervisor{health: map[string]domain.DeviceHealth{"dev-1": {DeviceID: "dev-1", IsConnected: true}}}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodGet, "/devices/dev-1", nil)
	req.SetPathValue("id", "dev-1")
	rr := httptest.NewRecorder()
	s.withAuth(s.handleDevice)(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "dev-1")
}

func TestHandleRestartDevice_UnknownDeviceReturns404(t *testing.T) {
	sup := &fakeSupervisor{restartErr: modbus.ErrDeviceNotRegistered}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodPost, "/devices/ghost/restart", nil)
	req.SetPathValue("id", "ghost")
	rr := httptest.NewRecorder()
	s.withAuth(s.handleRestartDevice)(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, []string{"ghost"}, sup.restartCalls)
}

func TestHandleRestartDevice_InternalErrorReturns500(t *testing.T) {
	sup := &fakeSupervisor{restartErr: assertErr("connect refused")}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/restart", nil)
	req.SetPathValue("id", "dev-1")
	rr := httptest.NewRecorder()
	s.withAuth(s.handleRestartDevice)(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHandleRestartDevice_SuccessReturns200(t *testing.T) {
	sup := &fakeSupervisor{}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/restart", nil)
	req.SetPathValue("id", "dev-1")
	rr := httptest.NewRecorder()
	s.withAuth(s.handleRestartDevice)(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleLatestDevice_ReturnsReadingsForThatDeviceOnly(t *testing.T) {
	sup := &fakeSupervisor{latest: map[string][]domain.DeviceReading{
		"dev-1": {sampleReading("dev-1", 1)},
	}}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodGet, "/data/latest/dev-1", nil)
	req.SetPathValue("id", "dev-1")
	rr := httptest.NewRecorder()
	s.withAuth(s.handleLatestDevice)(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "dev-1")
}

func TestHandleStats_ComputesQualityDistributionAndAverageRate(t *testing.T) {
	sup := &fakeSupervisor{
		snapshot:  domain.MetricsSnapshot{ReadingsProduced: 10, RowsWritten: 8},
		allLatest: []domain.DeviceReading{sampleReading("dev-1", 1), sampleReading("dev-1", 2)},
	}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodGet, "/data/stats", nil)
	rr := httptest.NewRecorder()
	s.withAuth(s.handleStats)(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"average_rate":12.5`)
	assert.Contains(t, rr.Body.String(), `"Good":2`)
}

func TestHandleConfig_OmitsCredentials(t *testing.T) {
	sup := &fakeSupervisor{cfg: &config.Config{
		Timescale: config.TimescaleConfig{Host: "db", Port: 5432, Database: "adam", Table: "readings", Password: "secret"},
	}}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rr := httptest.NewRecorder()
	s.withAuth(s.handleConfig)(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret")
}

func TestHandleClearCache_InvokesSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	s := newTestServer(t, sup)

	req := httptest.NewRequest(http.MethodDelete, "/data/cache", nil)
	rr := httptest.NewRecorder()
	s.withAuth(s.handleClearCache)(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, sup.cacheCleared)
}

func TestWithAuth_RejectsWhenAuthenticatorFails(t *testing.T) {
	sup := &fakeSupervisor{}
	s := newTestServer(t, sup)
	s.auth = denyAuthenticator{}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.withAuth(s.handleHealth)(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

type denyAuthenticator struct{}

func (denyAuthenticator) Authenticate(*http.Request) error { return assertErr("denied") }

type assertErr string

func (e assertErr) Error() string { return string(e) }
