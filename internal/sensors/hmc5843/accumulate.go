package hmc5843

import (
	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"compass-ng/internal/rotation"
)

// accumulator sums samples between reads. A raw axis is bounded to roughly
// ±2048, so halving at accumCeiling keeps every sum inside an int16.
type accumulator struct {
	sum    [3]int32
	count  int
	lastAt uint32 // micros
}

func (a *accumulator) add(r Raw, now uint32) {
	a.sum[0] += int32(r.X)
	a.sum[1] += int32(r.Y)
	a.sum[2] += int32(r.Z)
	a.count++
	if a.count == accumCeiling {
		a.sum[0] /= 2
		a.sum[1] /= 2
		a.sum[2] /= 2
		a.count = accumCeiling / 2
	}
	a.lastAt = now
}

func (a *accumulator) reset() {
	a.sum = [3]int32{}
	a.count = 0
}

// Accumulate reads one sample into the running sum. It is a no-op while
// healthy if a sample was already taken within the chip's 75 Hz output
// period, so it may be called more often than the chip produces data.
func (d *Device) Accumulate() {
	now := d.clk.Micros()
	if d.healthy && d.acc.count != 0 && now-d.acc.lastAt < accumPeriodUs {
		return
	}
	raw, err := d.readRaw()
	if err != nil {
		d.lastErr = err
		return
	}
	d.acc.add(raw, now)
}

// Update produces a new field value from the accumulated samples.
//
// It returns false without bus traffic before Init has succeeded, and while
// unhealthy until the retry back-off has expired. When the back-off expires the
// chip is put back into run mode; on failure the bus is slowed down and the
// back-off restarts.
func (d *Device) Update() bool {
	if !d.initialised {
		d.lastErr = ErrNotInitialized
		return false
	}
	if !d.healthy {
		if d.backingOff() {
			return false
		}
		if err := d.reinitialise(); err != nil {
			d.backoff("reinitialise", err)
			return false
		}
		d.healthy = true
		d.retryPending = false
		d.log.Info("recovered after bus error")
	}

	if d.acc.count == 0 {
		d.Accumulate()
		if !d.healthy || d.acc.count == 0 {
			d.backoff("accumulate", nil)
			return false
		}
	}

	d.field = output(d.acc, d.calibration, d.orientation, d.offset)
	d.acc.reset()
	d.lastUpdate = d.clk.Micros()
	d.healthy = true
	d.retryPending = false
	d.lastErr = nil
	return true
}

func (d *Device) backoff(stage string, err error) {
	d.healthy = false
	if err != nil {
		d.lastErr = err
	}
	d.retryAt = d.clk.Millis() + retryBackoffMs
	d.retryPending = true
	d.bus.SetSpeed(false)
	l := d.log.WithFields(logrus.Fields{"stage": stage, "retry_ms": retryBackoffMs})
	if err != nil {
		l = l.WithError(err)
	}
	l.Warn("magnetometer unhealthy, slowing bus")
}

// output converts an accumulator snapshot to a calibrated field in the body
// frame.
func output(a accumulator, cal [3]float64, rot rotation.Rotation, offset r3.Vector) r3.Vector {
	if a.count == 0 {
		return offset
	}
	n := float64(a.count)
	v := r3.Vector{
		X: float64(a.sum[0]) * cal[0] / n,
		Y: float64(a.sum[1]) * cal[1] / n,
		Z: float64(a.sum[2]) * cal[2] / n,
	}
	return rotation.AddOffset(rot.Rotate(v), offset)
}
