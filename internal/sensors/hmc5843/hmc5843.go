package hmc5843

import (
	"errors"
	"fmt"
	"io"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"compass-ng/internal/clock"
	"compass-ng/internal/rotation"
)

// Driver for the Honeywell HMC5843 and HMC5883L three-axis magnetometers.
//
// The device detects which chip is attached, derives per-axis scale factors
// from the chip's self-test bias field, accumulates samples between reads and
// recovers from bus errors with a slow retry.
//
// A Device is not safe for concurrent use. The Bus it is given may be shared
// with other devices as long as no two callers use it at the same time.

var (
	ErrBusIO              = errors.New("hmc5843: bus i/o failed")
	ErrNoValidData        = errors.New("hmc5843: no valid data")
	ErrUnrecognizedDevice = errors.New("hmc5843: unrecognized device")
	ErrNotInitialized     = errors.New("hmc5843: not initialized")
)

// Bus is the two-wire transport the chip sits on.
type Bus interface {
	Read(addr uint16, reg byte, n int) ([]byte, error)
	Write(addr uint16, reg, value byte) error
	// SetSpeed selects the fast (true) or standard (false) bus clock.
	SetSpeed(fast bool)
}

type Variant int

const (
	VariantUnknown Variant = iota
	VariantHMC5843
	VariantHMC5883L
)

func (v Variant) String() string {
	switch v {
	case VariantHMC5843:
		return "HMC5843"
	case VariantHMC5883L:
		return "HMC5883L"
	default:
		return "unknown"
	}
}

// variantParams are the self-test constants for one chip model.
type variantParams struct {
	calibrationGain byte
	expected        [3]float64
	// gainMultiple corrects for self-test and run-time amplifier gains
	// differing on the HMC5883L.
	gainMultiple float64
}

var params = map[Variant]variantParams{
	VariantHMC5843: {
		calibrationGain: MagGain,
		expected:        [3]float64{715, 715, 715},
		gainMultiple:    1.0,
	},
	VariantHMC5883L: {
		calibrationGain: MagGain5883Cal,
		expected:        [3]float64{766, 713, 713},
		gainMultiple:    660.0 / 1090,
	},
}

type Health int

const (
	Uninitialized Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "uninitialized"
	}
}

// Raw is one decoded sample in sensor axes, sign-corrected.
type Raw struct {
	X, Y, Z int16
}

type Device struct {
	bus  Bus
	clk  clock.Clock
	addr uint16
	log  logrus.FieldLogger

	variant     Variant
	baseConfig  byte
	calibration [3]float64

	initialised bool
	healthy     bool
	// retryPending is set only by a failed Update; bus errors elsewhere
	// leave the device unhealthy but immediately retryable.
	retryPending bool
	retryAt      uint32 // millis

	acc accumulator

	orientation rotation.Rotation
	offset      r3.Vector

	field      r3.Vector
	lastUpdate uint32 // micros
	lastErr    error
}

type Option func(*Device)

func WithAddress(addr uint16) Option { return func(d *Device) { d.addr = addr } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

func WithOrientation(r rotation.Rotation) Option { return func(d *Device) { d.orientation = r } }

func WithOffset(offset r3.Vector) Option { return func(d *Device) { d.offset = offset } }

func New(bus Bus, clk clock.Clock, opts ...Option) *Device {
	d := &Device{
		bus:         bus,
		clk:         clk,
		addr:        DefaultAddress,
		calibration: [3]float64{1, 1, 1},
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		d.log = l
	}
	d.log = d.log.WithField("dev", fmt.Sprintf("hmc5843@0x%02X", d.addr))
	return d
}

func (d *Device) SetOrientation(r rotation.Rotation) { d.orientation = r }

func (d *Device) SetOffset(offset r3.Vector) { d.offset = offset }

func (d *Device) Orientation() rotation.Rotation { return d.orientation }

func (d *Device) Variant() Variant { return d.variant }

// Calibration returns the per-axis scale factors derived at Init.
func (d *Device) Calibration() [3]float64 { return d.calibration }

func (d *Device) Initialised() bool { return d.initialised }

func (d *Device) Healthy() bool { return d.initialised && d.healthy }

// Health reports the controller state. For Unhealthy with a back-off
// pending, retryNotBefore is the millisecond counter value before which Update
// will not touch the bus; otherwise it is zero.
func (d *Device) Health() (h Health, retryNotBefore uint32) {
	switch {
	case !d.initialised:
		return Uninitialized, 0
	case d.healthy:
		return Healthy, 0
	case d.retryPending:
		return Unhealthy, d.retryAt
	default:
		return Unhealthy, 0
	}
}

// RetryDue reports whether the next Update will attempt to re-initialise an
// unhealthy device.
func (d *Device) RetryDue() bool {
	return d.initialised && !d.healthy && !d.backingOff()
}

// backingOff measures elapsed time since the back-off started, so a window
// left pending across a long gap between calls still expires.
func (d *Device) backingOff() bool {
	if !d.retryPending {
		return false
	}
	started := d.retryAt - retryBackoffMs
	return d.clk.Millis()-started < retryBackoffMs
}

// Field returns the latest calibrated, rotated and offset field and the
// microsecond counter value at which it was produced.
func (d *Device) Field() (r3.Vector, uint32) { return d.field, d.lastUpdate }

// LastError returns the most recent reason Update failed, or nil after a
// successful Update.
func (d *Device) LastError() error { return d.lastErr }

func (d *Device) readRegister(reg byte) (byte, error) {
	b, err := d.bus.Read(d.addr, reg, 1)
	if err == nil && len(b) != 1 {
		err = fmt.Errorf("short read %d/1", len(b))
	}
	if err != nil {
		d.healthy = false
		d.log.WithFields(logrus.Fields{"reg": fmt.Sprintf("0x%02X", reg)}).Debugf("read FAILED: %v", err)
		return 0, fmt.Errorf("%w: read reg 0x%02X: %w", ErrBusIO, reg, err)
	}
	return b[0], nil
}

func (d *Device) writeRegister(reg, value byte) error {
	if err := d.bus.Write(d.addr, reg, value); err != nil {
		d.healthy = false
		d.log.WithFields(logrus.Fields{
			"reg": fmt.Sprintf("0x%02X", reg),
			"val": fmt.Sprintf("0x%02X", value),
		}).Debugf("write FAILED: %v", err)
		return fmt.Errorf("%w: write reg 0x%02X: %w", ErrBusIO, reg, err)
	}
	return nil
}

// readRaw reads one sample from the data block.
//
// The HMC5883L lays the axes out as X, Z, Y; the HMC5843 as X, Y, Z. X and Z
// are negated to bring the chip axes into the board frame.
func (d *Device) readRaw() (Raw, error) {
	buf, err := d.bus.Read(d.addr, RegData, DataLen)
	if err == nil && len(buf) != DataLen {
		err = fmt.Errorf("short read %d/%d", len(buf), DataLen)
	}
	if err != nil {
		d.healthy = false
		d.log.Debugf("data read FAILED: %v", err)
		return Raw{}, fmt.Errorf("%w: read data: %w", ErrBusIO, err)
	}

	rx := int16(buf[0])<<8 | int16(buf[1])
	var ry, rz int16
	if d.variant == VariantHMC5883L {
		rz = int16(buf[2])<<8 | int16(buf[3])
		ry = int16(buf[4])<<8 | int16(buf[5])
	} else {
		ry = int16(buf[2])<<8 | int16(buf[3])
		rz = int16(buf[4])<<8 | int16(buf[5])
	}
	if rx == noData || ry == noData || rz == noData {
		return Raw{}, ErrNoValidData
	}
	return Raw{X: -rx, Y: ry, Z: -rz}, nil
}
