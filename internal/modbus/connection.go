// Package modbus implements the Modbus/TCP device connection and the
// per-device poll loop that turns register reads into domain readings.
package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/ibs-source/adam-logger/internal/backoff"
	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/ports"
)

// readRetryBaseDelay and readRetryMaxDelay implement SPEC_FULL.md §4.C3's
// read retry policy: min(base × 2^(k-1), 30s).
const (
	readRetryBaseDelay = 100 * time.Millisecond
	readRetryMaxDelay  = 30 * time.Second
)

// Connection manages one Modbus/TCP session to a single device, per
// SPEC_FULL.md §4.C3. It keeps a Disconnected/Connected state and reuses
// the underlying TCP handler across reads; ReadRegisters never reconnects
// on its own, that is the pool's poll loop's responsibility.
type Connection struct {
	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool

	deviceID string
	unitID   byte
	retry    *backoff.Exponential
}

// NewConnection builds an unconnected Connection for dev. The read retry
// policy (SPEC_FULL.md §4.C3) is expressed as a ports.RetryPolicy and
// realized by backoff.Exponential, the ports.BackoffStrategy shared with
// the pool's reconnect retry.
func NewConnection(dev config.DeviceConfig) *Connection {
	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", dev.IPAddress, dev.Port))
	handler.Timeout = dev.Timeout
	handler.SlaveId = dev.UnitID

	retry := backoff.NewExponential(ports.RetryPolicy{
		MaxAttempts:     dev.MaxRetries,
		InitialInterval: readRetryBaseDelay,
		MaxInterval:     readRetryMaxDelay,
	})

	return &Connection{
		handler:  handler,
		deviceID: dev.DeviceID,
		unitID:   dev.UnitID,
		retry:    retry,
	}
}

// Connect opens the TCP session. Calling Connect while already connected
// is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.handler.Connect() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("modbus: connect device %s: %w", c.deviceID, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	c.client = modbus.NewClient(c.handler)
	c.connected = true
	return nil
}

// ReadRegisters reads count holding registers (function code 3) starting
// at start, returning the raw 16-bit words in wire order and the
// round-trip latency of the last attempt. The read itself is wrapped in a
// capped-exponential-backoff retry policy for up to maxRetries attempts
// (SPEC_FULL.md §4.C3); on final failure it marks the connection
// disconnected. It does not reconnect: a read on a disconnected
// Connection fails, and the pool's poll loop reconnects before reading
// again.
func (c *Connection) ReadRegisters(ctx context.Context, start uint16, count int) ([]uint16, time.Duration, error) {
	maxAttempts := c.retry.MaxAttempts()
	var lastErr error
	var lastLatency time.Duration

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		words, latency, err := c.readOnce(start, count)
		lastLatency = latency
		if err == nil {
			return words, latency, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if !c.waitRetry(ctx, c.retry.NextInterval(attempt)) {
			lastErr = ctx.Err()
			break
		}
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil, lastLatency, fmt.Errorf("modbus: read holding registers device %s: %w (after %d attempt(s))", c.deviceID, lastErr, maxAttempts)
}

// readOnce performs a single, unretried register read against the current
// session.
func (c *Connection) readOnce(start uint16, count int) ([]uint16, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return nil, 0, fmt.Errorf("device %s not connected", c.deviceID)
	}

	began := time.Now()
	raw, err := c.client.ReadHoldingRegisters(start, uint16(count))
	latency := time.Since(began)
	if err != nil {
		return nil, latency, err
	}
	if len(raw) != count*2 {
		return nil, latency, fmt.Errorf("device %s returned %d bytes, want %d", c.deviceID, len(raw), count*2)
	}

	words := make([]uint16, count)
	for i := 0; i < count; i++ {
		words[i] = uint16(raw[i*2])<<8 | uint16(raw[i*2+1])
	}
	return words, latency, nil
}

func (c *Connection) waitRetry(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// TestConnection performs a minimal liveness check: a one-register read
// at register 0 through ReadRegisters, with its retry policy. Any error
// is returned, a Modbus exception response included, so a device that
// does not expose register 0 fails the check.
func (c *Connection) TestConnection(ctx context.Context) error {
	_, _, err := c.ReadRegisters(ctx, 0, 1)
	return err
}

// Disconnect closes the TCP session. Safe to call on an already
// disconnected Connection.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	err := c.handler.Close()
	c.connected = false
	c.client = nil
	return err
}

// IsConnected reports the last known connection state.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
