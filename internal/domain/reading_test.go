package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleCounter_TwoRegisters_LittleWordFirst(t *testing.T) {
	for lo := 0; lo < 256; lo += 37 {
		for hi := 0; hi < 256; hi += 41 {
			words := []uint16{uint16(lo), uint16(hi)}
			val, err := AssembleCounter(words)
			require.NoError(t, err)
			assert.Equal(t, uint64(hi)<<16|uint64(lo), val)
			assert.GreaterOrEqual(t, val, uint64(0))
		}
	}
}

func TestAssembleCounter_OneRegister(t *testing.T) {
	val, err := AssembleCounter([]uint16{0x1234})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), val)
}

func TestAssembleCounter_RejectsUnsupportedLength(t *testing.T) {
	_, err := AssembleCounter([]uint16{1, 2, 3})
	assert.Error(t, err)
}

func TestBuildReading_FirstSampleHasNoRate(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	r := a.BuildReading("dev", 0, 16, spec, time.Unix(0, 0))

	require.NotNil(t, r.ProcessedValue)
	assert.Equal(t, 16.0, *r.ProcessedValue)
	assert.Nil(t, r.Rate)
	assert.Equal(t, QualityGood, r.Quality)
}

func TestBuildReading_RateGatedBelowMinWindow(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	t0 := time.Unix(0, 0)
	a.BuildReading("dev", 0, 16, spec, t0)
	r := a.BuildReading("dev", 0, 32, spec, t0.Add(1*time.Second))

	assert.Nil(t, r.Rate)
	assert.Equal(t, QualityGood, r.Quality)
}

func TestBuildReading_RateComputedAboveMinWindow(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	t0 := time.Unix(0, 0)
	a.BuildReading("dev", 0, 0, spec, t0)
	r := a.BuildReading("dev", 0, 100, spec, t0.Add(20*time.Second))

	require.NotNil(t, r.Rate)
	assert.InDelta(t, 5.0, *r.Rate, 1e-9)
}

func TestBuildReading_BoundsViolationIsBadButStillForwarded(t *testing.T) {
	a := NewAssembler()
	min, max := 0.0, 100.0
	spec := ChannelSpec{ScaleFactor: 1.0, Min: &min, Max: &max}
	r := a.BuildReading("dev", 0, 150, spec, time.Unix(0, 0))

	assert.Equal(t, QualityBad, r.Quality)
	assert.Nil(t, r.ProcessedValue)
}

func TestBuildReading_RateOfChangeExceedsThresholdIsUncertain(t *testing.T) {
	a := NewAssembler()
	maxChange := 1.0
	spec := ChannelSpec{ScaleFactor: 1.0, MaxChangeRate: &maxChange}
	t0 := time.Unix(0, 0)
	a.BuildReading("dev", 0, 0, spec, t0)
	r := a.BuildReading("dev", 0, 1000, spec, t0.Add(20*time.Second))

	assert.Equal(t, QualityUncertain, r.Quality)
	require.NotNil(t, r.ProcessedValue)
}

func TestBuildReading_SmallDecreaseIsTreatedAsReset(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	t0 := time.Unix(0, 0)
	a.BuildReading("dev", 0, 1000, spec, t0)
	r := a.BuildReading("dev", 0, 500, spec, t0.Add(20*time.Second))

	assert.Equal(t, QualityUncertain, r.Quality)
	assert.Nil(t, r.Rate)
}

func TestBuildReading_LargeDropNearTopOfRangeIsTreatedAsWrap(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	t0 := time.Unix(0, 0)

	prevRaw := uint64(4_100_000_000) // > 0.9 * 2^32
	currRaw := uint64(100)

	a.BuildReading("dev", 0, prevRaw, spec, t0)
	r := a.BuildReading("dev", 0, currRaw, spec, t0.Add(20*time.Second))

	require.NotNil(t, r.Rate)
	assert.Greater(t, *r.Rate, 0.0)
	assert.Equal(t, QualityGood, r.Quality)
}

func TestBuildReading_ForgetClearsBaseline(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	t0 := time.Unix(0, 0)
	a.BuildReading("dev", 0, 1000, spec, t0)
	a.Forget("dev", 0)

	r := a.BuildReading("dev", 0, 10, spec, t0.Add(20*time.Second))
	assert.Nil(t, r.Rate)
}

func TestBuildFromValue_FirstSampleHasNoRate(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	r := a.BuildFromValue("sensor", 0, 21.5, spec, time.Unix(0, 0))

	require.NotNil(t, r.ProcessedValue)
	assert.Equal(t, 21.5, *r.ProcessedValue)
	assert.Nil(t, r.Rate)
	assert.Equal(t, QualityGood, r.Quality)
}

func TestBuildFromValue_DecreaseIsUncertainNeverWrap(t *testing.T) {
	a := NewAssembler()
	spec := ChannelSpec{ScaleFactor: 1.0}
	t0 := time.Unix(0, 0)
	a.BuildFromValue("sensor", 0, 100.0, spec, t0)
	r := a.BuildFromValue("sensor", 0, 50.0, spec, t0.Add(20*time.Second))

	assert.Equal(t, QualityUncertain, r.Quality)
	assert.Nil(t, r.Rate)
}

func TestBuildFromValue_BoundsViolation(t *testing.T) {
	a := NewAssembler()
	max := 10.0
	spec := ChannelSpec{ScaleFactor: 1.0, Max: &max}
	r := a.BuildFromValue("sensor", 0, 15.0, spec, time.Unix(0, 0))

	assert.Equal(t, QualityBad, r.Quality)
	assert.Nil(t, r.ProcessedValue)
}

func TestQuality_String(t *testing.T) {
	assert.Equal(t, "Good", QualityGood.String())
	assert.Equal(t, "Uncertain", QualityUncertain.String())
	assert.Equal(t, "Bad", QualityBad.String())
	assert.Equal(t, "Unavailable", QualityUnavailable.String())
}
