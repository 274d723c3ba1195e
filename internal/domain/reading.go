package domain

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Quality tags the confidence of a DeviceReading's processed value.
type Quality int

const (
	// QualityUnavailable marks a reading produced with no sampled data.
	// Reserved for completeness with the data model; the collection paths
	// in this system never emit a reading on a failed sample (see the
	// Modbus poll loop and the MQTT message processor), so in practice no
	// reading reaching storage carries this tag.
	QualityUnavailable Quality = iota
	QualityGood
	QualityUncertain
	QualityBad
)

// String renders the quality tag the way it is stored and reported.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityUncertain:
		return "Uncertain"
	case QualityBad:
		return "Bad"
	default:
		return "Unavailable"
	}
}

// MinRateWindowSeconds is the minimum elapsed time between two samples of
// the same channel before a rate is computed at all, to avoid noise from
// back-to-back polls.
const MinRateWindowSeconds = 10.0

// WrapHighWatermark and WrapMinDrop resolve the wrap-vs-reset open question
// (SPEC_FULL.md §9): a decreasing counter is treated as a 32-bit wrap only
// when the previous value was already near the top of the range and the
// drop is large; any smaller decrease is treated as a device reset.
const (
	wrapHighWatermarkFraction = 0.9
	wrapMinDropFraction       = 0.5
)

var (
	twoTo32           = 4294967296.0
	wrapHighWatermark = uint64(wrapHighWatermarkFraction * twoTo32) // 0.9 * 2^32
	wrapMinDrop       = uint64(wrapMinDropFraction * twoTo32)       // 0.5 * 2^32 == 2^31
)

// DeviceReading is the canonical, immutable record produced by both
// collection planes (Modbus polling and MQTT message decoding).
type DeviceReading struct {
	DeviceID       string
	Channel        int
	Timestamp      time.Time
	RawValue       int64 // holds an assembled unsigned 32-bit (or wider) counter value, never negative
	ProcessedValue *float64
	Rate           *float64
	Quality        Quality
	Unit           string
}

// ChannelSpec is the subset of ChannelConfig the assembler needs to turn a
// raw counter value into a validated, quality-tagged reading. Kept separate
// from config.ChannelConfig so this package has no dependency on the config
// package (see SPEC_FULL.md §9 "Cycles / back-references").
type ChannelSpec struct {
	ScaleFactor   float64
	Offset        float64
	Min           *float64
	Max           *float64
	MaxChangeRate *float64
	Unit          string
}

// AssembleCounter combines raw register words into an unsigned 32-bit
// counter value, little-word-first: words[0] is the low word, words[1] the
// high word. A single word is returned as-is. Four words are treated as two
// consecutive 32-bit words combined the same way into a 64-bit value, for
// register_count=4 channels; the data model still reports the invariant
// that the assembled value never turns negative in the 64-bit field used
// to hold it.
func AssembleCounter(words []uint16) (uint64, error) {
	switch len(words) {
	case 1:
		return uint64(words[0]), nil
	case 2:
		return uint64(words[1])<<16 | uint64(words[0]), nil
	case 4:
		lo := uint64(words[1])<<16 | uint64(words[0])
		hi := uint64(words[3])<<16 | uint64(words[2])
		return hi<<32 | lo, nil
	default:
		return 0, fmt.Errorf("domain: cannot assemble counter from %d registers, want 1, 2, or 4", len(words))
	}
}

type baseline struct {
	rawValue       uint64
	processedValue float64
	timestamp      time.Time
}

// Assembler turns raw samples into validated DeviceReadings, keeping a
// per-channel baseline so it can compute rates and detect counter wraps.
// Safe for concurrent use across many poll loops and MQTT handlers.
type Assembler struct {
	mu        sync.Mutex
	baselines map[channelKey]baseline
}

type channelKey struct {
	deviceID string
	channel  int
}

// NewAssembler creates an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{baselines: make(map[channelKey]baseline)}
}

// BuildReading validates raw against spec's bounds and rate-of-change
// threshold, consulting (and updating) the channel's baseline, and returns
// the resulting DeviceReading.
func (a *Assembler) BuildReading(deviceID string, channel int, raw uint64, spec ChannelSpec, timestamp time.Time) DeviceReading {
	unit := spec.Unit
	processed := float64(raw)*spec.ScaleFactor + spec.Offset

	key := channelKey{deviceID: deviceID, channel: channel}

	a.mu.Lock()
	prev, hasPrev := a.baselines[key]
	a.baselines[key] = baseline{rawValue: raw, processedValue: processed, timestamp: timestamp}
	a.mu.Unlock()

	reading := DeviceReading{
		DeviceID:  deviceID,
		Channel:   channel,
		Timestamp: timestamp,
		RawValue:  int64(raw),
		Unit:      unit,
	}

	quality := QualityGood
	if !withinBounds(processed, spec) {
		quality = QualityBad
	}

	var rate *float64
	if hasPrev {
		delta, isWrap := effectiveDelta(prev.rawValue, raw)
		dtSeconds := timestamp.Sub(prev.timestamp).Seconds()

		switch {
		case delta < 0 && !isWrap:
			// A decrease that doesn't qualify as a wrap is a device reset:
			// the old baseline no longer applies, so the bounds verdict
			// above is dropped in favor of Uncertain and no rate is reported.
			quality = QualityUncertain
		case dtSeconds >= MinRateWindowSeconds && quality != QualityBad:
			r := float64(delta) / dtSeconds
			if spec.MaxChangeRate != nil && math.Abs(r) > *spec.MaxChangeRate && quality == QualityGood {
				quality = QualityUncertain
			}
			rate = &r
		}
	}

	if quality == QualityGood || quality == QualityUncertain {
		reading.ProcessedValue = &processed
	}
	reading.Quality = quality
	reading.Rate = rate

	return reading
}

// BuildFromValue validates an already-physical sample (one that carries
// no raw register encoding to assemble, e.g. an MQTT sensor payload that
// reports its value pre-scaled) against spec's bounds and rate-of-change
// threshold. Unlike BuildReading, the baseline delta is a plain
// subtraction: there is no 32-bit register to wrap, so a decreasing value
// is never reclassified as a wrap, only as a possible reset.
func (a *Assembler) BuildFromValue(deviceID string, channel int, value float64, spec ChannelSpec, timestamp time.Time) DeviceReading {
	processed := value*spec.ScaleFactor + spec.Offset
	key := channelKey{deviceID: deviceID, channel: channel}

	a.mu.Lock()
	prev, hasPrev := a.baselines[key]
	a.baselines[key] = baseline{processedValue: processed, timestamp: timestamp}
	a.mu.Unlock()

	reading := DeviceReading{
		DeviceID:  deviceID,
		Channel:   channel,
		Timestamp: timestamp,
		RawValue:  int64(value),
		Unit:      spec.Unit,
	}

	quality := QualityGood
	if !withinBounds(processed, spec) {
		quality = QualityBad
	}

	var rate *float64
	if hasPrev {
		delta := processed - prev.processedValue
		dtSeconds := timestamp.Sub(prev.timestamp).Seconds()

		switch {
		case delta < 0:
			quality = QualityUncertain
		case dtSeconds >= MinRateWindowSeconds && quality != QualityBad:
			r := delta / dtSeconds
			if spec.MaxChangeRate != nil && math.Abs(r) > *spec.MaxChangeRate && quality == QualityGood {
				quality = QualityUncertain
			}
			rate = &r
		}
	}

	if quality == QualityGood || quality == QualityUncertain {
		reading.ProcessedValue = &processed
	}
	reading.Quality = quality
	reading.Rate = rate

	return reading
}

// effectiveDelta computes curr-prev as a rate-delta, resolving the
// wrap-vs-reset decision documented in SPEC_FULL.md §9. Returns the delta
// and whether it was classified as a wrap.
func effectiveDelta(prev, curr uint64) (int64, bool) {
	if curr >= prev {
		return int64(curr - prev), false
	}
	drop := prev - curr
	if prev > wrapHighWatermark && drop > wrapMinDrop {
		wrapped := (4294967296 - prev) + curr
		return int64(wrapped), true
	}
	return -int64(drop), false
}

func withinBounds(processed float64, spec ChannelSpec) bool {
	if spec.Min != nil && processed < *spec.Min {
		return false
	}
	if spec.Max != nil && processed > *spec.Max {
		return false
	}
	return true
}

// Forget drops the baseline for a channel, used when a device is removed
// or restarted so a stale baseline never produces a spurious rate/wrap
// decision against unrelated future samples.
func (a *Assembler) Forget(deviceID string, channel int) {
	a.mu.Lock()
	delete(a.baselines, channelKey{deviceID: deviceID, channel: channel})
	a.mu.Unlock()
}
