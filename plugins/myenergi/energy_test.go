package myenergi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccumulateTrapezoid(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)

	energy, at := Accumulate(start, 1000, 3000, 1.5, start.Add(time.Hour))
	assert.InDelta(t, 3.5, energy, 1e-9)
	assert.Equal(t, start.Add(time.Hour), at)
}

func TestAccumulateZeroElapsed(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)

	energy, at := Accumulate(start, 5000, 5000, 2, start)
	assert.Equal(t, 2.0, energy)
	assert.Equal(t, start, at)
}

func TestAccumulateIgnoresOlderSample(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)

	energy, at := Accumulate(start, 5000, 5000, 2, start.Add(-time.Minute))
	assert.Equal(t, 2.0, energy)
	assert.Equal(t, start, at)
}

func TestMeterPartitionInvariance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)

	coarse := NewMeter(start, 0)
	coarse.Sample(2000, start)
	coarse.Sample(2000, start.Add(30*time.Minute))

	fine := NewMeter(start, 0)
	fine.Sample(2000, start)
	for i := 1; i <= 30; i++ {
		fine.Sample(2000, start.Add(time.Duration(i)*time.Minute))
	}

	assert.InDelta(t, 1.0, coarse.Value(), 1e-9)
	assert.InDelta(t, coarse.Value(), fine.Value(), 1e-9)
}

func TestMeterOffsetAndReset(t *testing.T) {
	m := NewMeter(time.Unix(0, 0), 100)
	assert.Equal(t, 105.0, m.Add(5))
	m.Reset()
	assert.Equal(t, 0.0, m.Value())
}
