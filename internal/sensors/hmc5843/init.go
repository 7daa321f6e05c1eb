package hmc5843

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Init detects the chip variant, runs the self-test calibration and puts the
// chip into continuous conversion.
//
// A nil error means the device is usable. calibrated reports whether enough
// self-test trials were accepted; when it is false the scale factors fall
// back to 1.0.
func (d *Device) Init() (calibrated bool, err error) {
	if d == nil || d.bus == nil || d.clk == nil {
		return false, fmt.Errorf("hmc5843: device is nil")
	}
	d.clk.Delay(probeSettleMs)

	variant, base, err := d.detect()
	if err != nil {
		d.healthy = false
		return false, err
	}
	d.variant = variant
	d.baseConfig = base
	d.log.WithField("variant", variant).Info("detected magnetometer")

	cal, ok := d.calibrate(params[variant])
	d.calibration = cal
	if ok {
		d.log.WithField("scale", cal).Info("self-test calibration ok")
	} else {
		d.log.WithField("scale", cal).Warn("self-test calibration failed, using unit scale")
	}

	if err := d.reinitialise(); err != nil {
		return ok, fmt.Errorf("hmc5843: enter run mode: %w", err)
	}
	d.initialised = true
	d.healthy = true

	d.Update()
	return ok, nil
}

// detect writes the averaging probe to config register A and identifies the
// chip from what it echoes back.
func (d *Device) detect() (Variant, byte, error) {
	if err := d.writeRegister(RegConfigA, ProbeConfig); err != nil {
		return VariantUnknown, 0, fmt.Errorf("hmc5843: write config: %w", err)
	}
	base, err := d.readRegister(RegConfigA)
	if err != nil {
		return VariantUnknown, 0, fmt.Errorf("hmc5843: read config: %w", err)
	}
	switch base {
	case ProbeConfig:
		return VariantHMC5883L, base, nil
	case HMC5843Readback:
		return VariantHMC5843, base, nil
	default:
		return VariantUnknown, base, fmt.Errorf("%w: config A readback 0x%02X", ErrUnrecognizedDevice, base)
	}
}

// calibrate runs up to calMaxAttempts positive-bias self tests and averages
// the expected/observed ratio over the first calGoodTrials trials whose
// ratios all fall inside (calLowerBound, calUpperBound).
func (d *Device) calibrate(p variantParams) ([3]float64, bool) {
	var sum [3]float64
	good := 0
	for attempt := 1; attempt <= calMaxAttempts && good < calGoodTrials; attempt++ {
		log := d.log.WithField("attempt", attempt)

		if err := d.writeRegister(RegConfigA, PositiveBiasConfig); err != nil {
			continue
		}
		d.clk.Delay(biasSettleMs)

		if err := d.writeRegister(RegConfigB, p.calibrationGain); err != nil {
			continue
		}
		if err := d.writeRegister(RegMode, SingleMode); err != nil {
			continue
		}

		d.clk.Delay(conversionMs)
		raw, err := d.readRaw()
		if err != nil {
			log.Debugf("self-test read: %v", err)
			continue
		}
		d.clk.Delay(postReadDelayMs)

		cal := selfTestRatios(p.expected, raw)
		if !acceptRatios(cal) {
			log.WithFields(logrus.Fields{"raw": raw, "ratio": cal}).Debug("self-test trial rejected")
			continue
		}
		good++
		for i := range sum {
			sum[i] += cal[i]
		}
	}

	if good < calGoodTrials {
		return [3]float64{1, 1, 1}, false
	}
	var out [3]float64
	for i := range out {
		out[i] = sum[i] * p.gainMultiple / float64(good)
	}
	return out, true
}

func selfTestRatios(expected [3]float64, raw Raw) [3]float64 {
	return [3]float64{
		math.Abs(expected[0] / float64(raw.X)),
		math.Abs(expected[1] / float64(raw.Y)),
		math.Abs(expected[2] / float64(raw.Z)),
	}
}

func acceptRatios(cal [3]float64) bool {
	for _, c := range cal {
		if !(c > calLowerBound && c < calUpperBound) {
			return false
		}
	}
	return true
}

// reinitialise restores run mode using the configuration found at detection.
// Calibration is not repeated.
func (d *Device) reinitialise() error {
	if err := d.writeRegister(RegConfigA, d.baseConfig); err != nil {
		return err
	}
	if err := d.writeRegister(RegConfigB, MagGain); err != nil {
		return err
	}
	return d.writeRegister(RegMode, ContinuousMode)
}
