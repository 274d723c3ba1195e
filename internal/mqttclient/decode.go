package mqttclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/ibs-source/adam-logger/internal/config"
)

// decodedSample is one scalar reading recovered from an MQTT payload,
// ready for the domain assembler.
type decodedSample struct {
	DeviceID  string
	Channel   int
	Value     float64
	Timestamp time.Time
}

// Decoder turns one MQTT device's raw payloads into decodedSamples,
// dispatching on the device's configured wire format. JSON-path
// expressions are compiled once at construction time (SPEC_FULL.md
// §9), not re-parsed per message.
type Decoder struct {
	dev config.MqttDeviceConfig

	channelPath   jsonpath.Path
	valuePath     jsonpath.Path
	deviceIDPath  jsonpath.Path
	timestampPath jsonpath.Path
}

// NewDecoder compiles dev's JSON-path expressions, if any, and returns a
// ready-to-use Decoder.
func NewDecoder(dev config.MqttDeviceConfig) (*Decoder, error) {
	d := &Decoder{dev: dev}

	if dev.Format != config.FormatJSON {
		return d, nil
	}

	var err error
	if d.channelPath, err = jsonpath.New(dev.ChannelPath); err != nil {
		return nil, fmt.Errorf("mqttclient: compiling channel_path %q: %w", dev.ChannelPath, err)
	}
	if d.valuePath, err = jsonpath.New(dev.ValuePath); err != nil {
		return nil, fmt.Errorf("mqttclient: compiling value_path %q: %w", dev.ValuePath, err)
	}
	if dev.DeviceIDPath != "" {
		if d.deviceIDPath, err = jsonpath.New(dev.DeviceIDPath); err != nil {
			return nil, fmt.Errorf("mqttclient: compiling device_id_path %q: %w", dev.DeviceIDPath, err)
		}
	}
	if dev.TimestampPath != "" {
		if d.timestampPath, err = jsonpath.New(dev.TimestampPath); err != nil {
			return nil, fmt.Errorf("mqttclient: compiling timestamp_path %q: %w", dev.TimestampPath, err)
		}
	}
	return d, nil
}

// Decode extracts one sample from payload. Binary payloads carry a single
// scalar and channel is always 0, since that wire format names a device,
// not a channel list. CSV payloads carry their channel as the first field.
func (d *Decoder) Decode(payload []byte) (decodedSample, error) {
	switch d.dev.Format {
	case config.FormatJSON:
		return d.decodeJSON(payload)
	case config.FormatBinary:
		return d.decodeBinary(payload)
	case config.FormatCSV:
		return d.decodeCSV(payload)
	default:
		return decodedSample{}, fmt.Errorf("mqttclient: unsupported format %q", d.dev.Format)
	}
}

func (d *Decoder) decodeJSON(payload []byte) (decodedSample, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return decodedSample{}, fmt.Errorf("mqttclient: unmarshal json payload: %w", err)
	}
	ctx := context.Background()

	rawValue, err := d.valuePath.Get(ctx, v)
	if err != nil {
		return decodedSample{}, fmt.Errorf("mqttclient: value_path %q: %w", d.dev.ValuePath, err)
	}
	value, err := toFloat64(rawValue)
	if err != nil {
		return decodedSample{}, fmt.Errorf("mqttclient: value_path %q result: %w", d.dev.ValuePath, err)
	}

	rawChannel, err := d.channelPath.Get(ctx, v)
	if err != nil {
		return decodedSample{}, fmt.Errorf("mqttclient: channel_path %q: %w", d.dev.ChannelPath, err)
	}
	channel, err := toInt(rawChannel)
	if err != nil {
		return decodedSample{}, fmt.Errorf("mqttclient: channel_path %q result: %w", d.dev.ChannelPath, err)
	}

	deviceID := d.dev.DeviceID
	if d.deviceIDPath != nil {
		if rawID, err := d.deviceIDPath.Get(ctx, v); err == nil {
			deviceID = fmt.Sprintf("%v", rawID)
		}
	}

	ts := time.Now()
	if d.timestampPath != nil {
		if rawTS, err := d.timestampPath.Get(ctx, v); err == nil {
			if parsed, ok := parseTimestamp(rawTS); ok {
				ts = parsed
			}
		}
	}

	return decodedSample{DeviceID: deviceID, Channel: channel, Value: value * scaleOrOne(d.dev.ScaleFactor), Timestamp: ts}, nil
}

// decodeBinary reads a single scalar from the front of payload in
// big-endian byte order, matching the Modbus register wire order used
// elsewhere in this system.
func (d *Decoder) decodeBinary(payload []byte) (decodedSample, error) {
	var value float64
	switch d.dev.DataType {
	case config.DataTypeUInt32:
		if len(payload) < 4 {
			return decodedSample{}, fmt.Errorf("mqttclient: binary payload too short for uint32")
		}
		value = float64(binary.BigEndian.Uint32(payload))
	case config.DataTypeUInt16:
		if len(payload) < 2 {
			return decodedSample{}, fmt.Errorf("mqttclient: binary payload too short for uint16")
		}
		value = float64(binary.BigEndian.Uint16(payload))
	case config.DataTypeInt16:
		if len(payload) < 2 {
			return decodedSample{}, fmt.Errorf("mqttclient: binary payload too short for int16")
		}
		value = float64(int16(binary.BigEndian.Uint16(payload)))
	case config.DataTypeFloat32:
		if len(payload) < 4 {
			return decodedSample{}, fmt.Errorf("mqttclient: binary payload too short for float32")
		}
		value = float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))
	case config.DataTypeFloat64:
		if len(payload) < 8 {
			return decodedSample{}, fmt.Errorf("mqttclient: binary payload too short for float64")
		}
		value = math.Float64frombits(binary.BigEndian.Uint64(payload))
	default:
		return decodedSample{}, fmt.Errorf("mqttclient: unsupported binary data_type %q", d.dev.DataType)
	}

	return decodedSample{
		DeviceID:  d.dev.DeviceID,
		Channel:   0,
		Value:     value * scaleOrOne(d.dev.ScaleFactor),
		Timestamp: time.Now(),
	}, nil
}

// decodeCSV splits payload on commas; positions are "channel, value
// [, timestamp]" per SPEC_FULL.md §4.C5.
func (d *Decoder) decodeCSV(payload []byte) (decodedSample, error) {
	fields := strings.Split(strings.TrimSpace(string(payload)), ",")
	if len(fields) < 2 || len(fields) > 3 {
		return decodedSample{}, fmt.Errorf("mqttclient: csv payload has %d fields, want 2 or 3 (channel, value [, timestamp])", len(fields))
	}

	channel, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return decodedSample{}, fmt.Errorf("mqttclient: csv channel field: %w", err)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return decodedSample{}, fmt.Errorf("mqttclient: csv value field: %w", err)
	}

	ts := time.Now()
	if len(fields) == 3 {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2]))
		if err != nil {
			return decodedSample{}, fmt.Errorf("mqttclient: csv timestamp field: %w", err)
		}
		ts = parsed
	}

	return decodedSample{DeviceID: d.dev.DeviceID, Channel: channel, Value: value * scaleOrOne(d.dev.ScaleFactor), Timestamp: ts}, nil
}

func scaleOrOne(s float64) float64 {
	if s == 0 {
		return 1.0
	}
	return s
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}

func toInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("value %v (%T) is not an integer", v, v)
	}
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	case float64:
		return time.Unix(int64(t), 0), true
	}
	return time.Time{}, false
}
