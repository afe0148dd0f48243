package myenergi

import "time"

const wattSecondsPerKWh = 3_600_000

// Accumulate integrates power (W) over the interval since lastSample using
// the trapezoidal rule and returns energy in kWh. A sample older than
// lastSample adds nothing and leaves the sample time unchanged.
func Accumulate(lastSample time.Time, lastPower, currentPower, previousEnergy float64, now time.Time) (float64, time.Time) {
	if now.Before(lastSample) {
		return previousEnergy, lastSample
	}
	seconds := now.Sub(lastSample).Seconds()
	return previousEnergy + ((lastPower+currentPower)/2)*seconds/wattSecondsPerKWh, now
}

// Meter keeps the accumulator state of one channel. It is not safe for
// concurrent use; devices guard it with their own lock.
type Meter struct {
	energy     float64
	lastPower  float64
	lastSample time.Time
}

func NewMeter(start time.Time, energy float64) *Meter {
	return &Meter{energy: energy, lastSample: start}
}

// Sample records power at now and returns the accumulated energy.
func (m *Meter) Sample(power float64, now time.Time) float64 {
	m.energy, m.lastSample = Accumulate(m.lastSample, m.lastPower, power, m.energy, now)
	m.lastPower = power
	return m.energy
}

// Add applies a manual offset.
func (m *Meter) Add(kWh float64) float64 {
	m.energy += kWh
	return m.energy
}

func (m *Meter) Reset() {
	m.energy = 0
}

func (m *Meter) Value() float64 {
	return m.energy
}
