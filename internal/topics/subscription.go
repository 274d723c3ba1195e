// Package topics groups MQTT device configurations by topic filter for
// subscription purposes and resolves an arrived message's topic to the one
// device that owns it, per SPEC_FULL.md §4.C6.
package topics

import (
	"strings"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/ports"
)

// Binding is one topic filter's subscription requirement: the max QoS any
// bound device asked for, and the devices relying on it.
type Binding struct {
	Filter  string
	QoS     byte
	Devices []config.MqttDeviceConfig
}

// Plan groups devices by topic filter, aggregating QoS to the maximum
// requested by any device sharing that filter. Two devices may legally
// subscribe the same filter at the broker; which one owns a given message
// is then decided by Resolver, not by this subscribe-time grouping.
func Plan(devices []config.MqttDeviceConfig, defaultQoS byte) []Binding {
	order := make([]string, 0)
	byFilter := make(map[string]*Binding)

	for _, dev := range devices {
		qos := defaultQoS
		if dev.QoS != nil {
			qos = *dev.QoS
		}
		for _, filter := range dev.Topics {
			b, ok := byFilter[filter]
			if !ok {
				b = &Binding{Filter: filter}
				byFilter[filter] = b
				order = append(order, filter)
			}
			if qos > b.QoS {
				b.QoS = qos
			}
			b.Devices = append(b.Devices, dev)
		}
	}

	plan := make([]Binding, 0, len(order))
	for _, filter := range order {
		plan = append(plan, *byFilter[filter])
	}
	return plan
}

// IsWildcard reports whether filter contains a '+' or '#' wildcard level.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// wildcardBinding is one wildcard filter's owning device, in registration
// order, for the linear scan Resolver falls back to on an exact-lookup miss.
type wildcardBinding struct {
	filter string
	device config.MqttDeviceConfig
}

// Resolver implements the two-tier lookup SPEC_FULL.md §4.C6 describes:
// an O(1) exact_lookup, falling back to a linear wildcard_list scan.
type Resolver struct {
	exact    map[string]config.MqttDeviceConfig
	wildcard []wildcardBinding
}

// NewResolver builds exact_lookup/wildcard_list from devices, in
// registration order. A topic is classified as wildcard iff it contains
// '+' or '#'; duplicate exact topics are reported via logger and the
// first-registered device wins.
func NewResolver(devices []config.MqttDeviceConfig, logger ports.Logger) *Resolver {
	r := &Resolver{exact: make(map[string]config.MqttDeviceConfig)}

	for _, dev := range devices {
		for _, filter := range dev.Topics {
			if IsWildcard(filter) {
				r.wildcard = append(r.wildcard, wildcardBinding{filter: filter, device: dev})
				continue
			}
			if existing, dup := r.exact[filter]; dup {
				if logger != nil {
					logger.Warn("duplicate exact topic, first-registered device wins",
						ports.Field{Key: "topic", Value: filter},
						ports.Field{Key: "kept_device_id", Value: existing.DeviceID},
						ports.Field{Key: "dropped_device_id", Value: dev.DeviceID},
					)
				}
				continue
			}
			r.exact[filter] = dev
		}
	}
	return r
}

// Resolve locates the device owning topic: exact match first, then a
// linear wildcard scan, per SPEC_FULL.md §4.C5 step 1. ok is false when no
// registered device owns topic.
func (r *Resolver) Resolve(topic string) (dev config.MqttDeviceConfig, ok bool) {
	if dev, ok := r.exact[topic]; ok {
		return dev, true
	}
	for _, b := range r.wildcard {
		if FilterMatches(b.filter, topic) {
			return b.device, true
		}
	}
	return config.MqttDeviceConfig{}, false
}

// FilterMatches reports whether topic matches an MQTT topic filter,
// honoring the '+' single-level and '#' multi-level wildcards.
func FilterMatches(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, fl := range filterLevels {
		if fl == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
