package supervisor

import (
	"sync"

	"github.com/ibs-source/adam-logger/internal/domain"
)

type cacheKey struct {
	deviceID string
	channel  int
}

// readingCache is the process-wide latest-reading cache backing the HTTP
// /data/latest endpoints: concurrent-safe, keyed by (device_id, channel),
// last-writer-wins.
type readingCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]domain.DeviceReading
}

func newReadingCache() *readingCache {
	return &readingCache{entries: make(map[cacheKey]domain.DeviceReading)}
}

func (c *readingCache) put(r domain.DeviceReading) {
	c.mu.Lock()
	c.entries[cacheKey{deviceID: r.DeviceID, channel: r.Channel}] = r
	c.mu.Unlock()
}

// get returns the cached reading for one device/channel pair.
func (c *readingCache) get(deviceID string, channel int) (domain.DeviceReading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[cacheKey{deviceID: deviceID, channel: channel}]
	return r, ok
}

// forDevice returns every cached reading belonging to one device.
func (c *readingCache) forDevice(deviceID string) []domain.DeviceReading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.DeviceReading, 0)
	for k, r := range c.entries {
		if k.deviceID == deviceID {
			out = append(out, r)
		}
	}
	return out
}

// all returns every cached reading.
func (c *readingCache) all() []domain.DeviceReading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.DeviceReading, 0, len(c.entries))
	for _, r := range c.entries {
		out = append(out, r)
	}
	return out
}

// clear empties the cache, used by the HTTP DELETE /data/cache endpoint.
func (c *readingCache) clear() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]domain.DeviceReading)
	c.mu.Unlock()
}
