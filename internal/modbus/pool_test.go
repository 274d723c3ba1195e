package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/health"
	"github.com/ibs-source/adam-logger/internal/logger"
	"github.com/ibs-source/adam-logger/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	words       map[uint16][]uint16
	readErr     error
	connectHits int
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectHits++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) ReadRegisters(ctx context.Context, start uint16, count int) ([]uint16, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, 0, f.readErr
	}
	return f.words[start], time.Millisecond, nil
}

func (f *fakeConn) TestConnection(ctx context.Context) error { return nil }

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func testDevice() config.DeviceConfig {
	return config.DeviceConfig{
		DeviceID:     "dev-1",
		IPAddress:    "127.0.0.1",
		Port:         502,
		UnitID:       1,
		Enabled:      true,
		PollInterval: 5 * time.Millisecond,
		Timeout:      time.Second,
		MaxRetries:   100,
		Channels: []config.ChannelConfig{
			{ChannelNumber: 0, StartRegister: 0, RegisterCount: 2, ScaleFactor: 1.0, Enabled: true},
		},
	}
}

type readingSink struct {
	mu       sync.Mutex
	readings []domain.DeviceReading
}

func (s *readingSink) add(r domain.DeviceReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
}

func (s *readingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func newTestPool(t *testing.T, conn *fakeConn, sink *readingSink) *Pool {
	t.Helper()
	log, err := logger.NewLogrusLogger("error", "json")
	require.NoError(t, err)

	p := NewPool(domain.NewAssembler(), health.New(log), log, config.ModbusConfig{
		ConnectionRetryCooldown: time.Millisecond,
		MaxRetryDelay:           5 * time.Millisecond,
		PollErrorPause:          time.Millisecond,
		StopAllGrace:            200 * time.Millisecond,
	}, sink.add)
	p.newConn = func(config.DeviceConfig) ports.ModbusConnection { return conn }
	return p
}

func TestPool_AddDeviceProducesReadings(t *testing.T) {
	conn := &fakeConn{words: map[uint16][]uint16{0: {16, 0}}}
	sink := &readingSink{}
	p := newTestPool(t, conn, sink)

	require.NoError(t, p.AddDevice(testDevice()))

	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, time.Millisecond)
	p.StopAll()
}

func TestPool_DisabledDeviceNeverPolls(t *testing.T) {
	conn := &fakeConn{words: map[uint16][]uint16{0: {1, 0}}}
	sink := &readingSink{}
	p := newTestPool(t, conn, sink)

	dev := testDevice()
	dev.Enabled = false
	require.NoError(t, p.AddDevice(dev))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
	assert.Empty(t, p.Devices())
}

func TestPool_ReconnectsAfterConnectFailure(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("refused"), words: map[uint16][]uint16{0: {1, 0}}}
	sink := &readingSink{}
	p := newTestPool(t, conn, sink)

	require.NoError(t, p.AddDevice(testDevice()))

	time.Sleep(30 * time.Millisecond)
	conn.mu.Lock()
	conn.connectErr = nil
	conn.mu.Unlock()

	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, time.Millisecond)
	p.StopAll()
}

func TestPool_RemoveDeviceStopsPolling(t *testing.T) {
	conn := &fakeConn{words: map[uint16][]uint16{0: {1, 0}}}
	sink := &readingSink{}
	p := newTestPool(t, conn, sink)

	require.NoError(t, p.AddDevice(testDevice()))
	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, p.RemoveDevice("dev-1"))
	assert.False(t, conn.IsConnected())
	assert.Empty(t, p.Devices())
}

func TestPool_DuplicateAddDeviceFails(t *testing.T) {
	conn := &fakeConn{words: map[uint16][]uint16{0: {1, 0}}}
	sink := &readingSink{}
	p := newTestPool(t, conn, sink)

	require.NoError(t, p.AddDevice(testDevice()))
	err := p.AddDevice(testDevice())
	assert.Error(t, err)
	p.StopAll()
}
