package mqttclient

import (
	"context"
	"fmt"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/ibs-source/adam-logger/internal/ports"
	"github.com/ibs-source/adam-logger/internal/topics"
)

// ReadingCallback receives every reading decoded from an MQTT message, on
// the Paho delivery goroutine.
type ReadingCallback func(domain.DeviceReading)

// Processor wires the topic subscription plan to the MQTT client: one
// broker subscription per distinct topic filter (topics.Plan), but each
// arrived message resolves to exactly one owning device (topics.Resolver,
// exact match then wildcard scan) before a decode is even attempted, per
// SPEC_FULL.md §4.C5/§4.C6.
type Processor struct {
	client    ports.MQTTClient
	assembler *domain.Assembler
	logger    ports.Logger
	metrics   *domain.Metrics
	onReading ReadingCallback

	decoders map[string]*Decoder // keyed by device_id
	resolver *topics.Resolver
}

// NewProcessor builds a Processor; call Start to subscribe.
func NewProcessor(client ports.MQTTClient, assembler *domain.Assembler, logger ports.Logger, metrics *domain.Metrics, onReading ReadingCallback) *Processor {
	return &Processor{
		client:    client,
		assembler: assembler,
		logger:    logger.WithFields(ports.Field{Key: "component", Value: "mqtt-processor"}),
		metrics:   metrics,
		onReading: onReading,
		decoders:  make(map[string]*Decoder),
	}
}

// Start compiles a Decoder per device, builds the topic Resolver, and
// subscribes one filter per topics.Plan binding, per SPEC_FULL.md §4.C6.
func (p *Processor) Start(ctx context.Context, devices []config.MqttDeviceConfig, defaultQoS byte) error {
	for _, dev := range devices {
		decoder, err := NewDecoder(dev)
		if err != nil {
			return fmt.Errorf("mqttclient: device %q: %w", dev.DeviceID, err)
		}
		p.decoders[dev.DeviceID] = decoder
	}
	p.resolver = topics.NewResolver(devices, p.logger)

	for _, binding := range topics.Plan(devices, defaultQoS) {
		if err := p.client.Subscribe(ctx, binding.Filter, binding.QoS, p.handleMessage); err != nil {
			return fmt.Errorf("mqttclient: subscribe %q: %w", binding.Filter, err)
		}
	}
	return nil
}

// handleMessage resolves topic to its single owning device and decodes
// the payload through that device alone. A message with no matching
// device or that fails decode is counted as dropped and logged, per
// SPEC_FULL.md §4.C5.
func (p *Processor) handleMessage(topic string, payload []byte) {
	dev, ok := p.resolver.Resolve(topic)
	if !ok {
		p.metrics.ReadingsDropped.Add(1)
		p.logger.Warn("mqtt message matched no configured device", ports.Field{Key: "topic", Value: topic})
		return
	}

	decoder := p.decoders[dev.DeviceID]
	if decoder == nil {
		p.metrics.ReadingsDropped.Add(1)
		p.logger.Warn("mqtt message resolved to device with no compiled decoder",
			ports.Field{Key: "topic", Value: topic},
			ports.Field{Key: "device_id", Value: dev.DeviceID},
		)
		return
	}

	sample, err := decoder.Decode(payload)
	if err != nil {
		p.metrics.ReadingsDropped.Add(1)
		p.logger.Warn("mqtt payload decode failed",
			ports.Field{Key: "topic", Value: topic},
			ports.Field{Key: "device_id", Value: dev.DeviceID},
			ports.Field{Key: "error", Value: err},
		)
		return
	}

	// Decoder.Decode already applied the device's own scale_factor, so the
	// assembler is handed an identity spec here.
	spec := domain.ChannelSpec{ScaleFactor: 1.0, Unit: dev.Unit}
	reading := p.assembler.BuildFromValue(sample.DeviceID, sample.Channel, sample.Value, spec, sample.Timestamp)
	if p.onReading != nil {
		p.onReading(reading)
	}
}
