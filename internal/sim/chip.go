package sim

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"compass-ng/internal/sensors/hmc5843"
)

var ErrBusFault = errors.New("sim: bus fault")

// Nominal positive self-test outputs, in counts at the calibration gain.
var (
	selfTest5843  = [3]float64{715, 715, 715}
	selfTest5883L = [3]float64{766, 713, 713}
)

// Chip emulates an HMC5843 or HMC5883L on a two-wire bus. It implements
// hmc5843.Bus.
//
// The earth field is fixed in the world frame; the sensor yaws and pitches
// through it either at a constant rate (Period) or following a Scenario.
type Chip struct {
	Addr    uint16
	Variant hmc5843.Variant
	// Field is the earth field in raw counts at heading 0, level.
	Field r3.Vector
	// SelfTestScale multiplies the nominal self-test output per axis, to
	// emulate a chip whose gain is off.
	SelfTestScale [3]float64
	// Period is the duration of one full heading rotation when no Scenario
	// is set. Zero holds heading 0.
	Period   time.Duration
	Scenario *Scenario
	Loop     bool
	// FailEvery makes every Nth transfer fail. Zero disables.
	FailEvery int
	Now       func() time.Time

	mu        sync.Mutex
	start     time.Time
	regs      [3]byte
	transfers int
	fast      bool
	slowDowns int
}

// NewChip returns a chip of the named variant ("5843" or "5883l").
func NewChip(variant string) (*Chip, error) {
	var v hmc5843.Variant
	switch strings.TrimPrefix(strings.ToLower(variant), "hmc") {
	case "5843":
		v = hmc5843.VariantHMC5843
	case "5883l", "5883":
		v = hmc5843.VariantHMC5883L
	default:
		return nil, fmt.Errorf("sim: unknown variant %q", variant)
	}
	return &Chip{
		Addr:          hmc5843.DefaultAddress,
		Variant:       v,
		Field:         r3.Vector{X: 300, Y: 0, Z: 450},
		SelfTestScale: [3]float64{1, 1, 1},
		fast:          true,
	}, nil
}

func (c *Chip) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// state returns the bench state; callers hold c.mu.
func (c *Chip) state() ScenarioState {
	now := c.now()
	if c.start.IsZero() {
		c.start = now
	}
	elapsed := now.Sub(c.start)
	if c.Scenario != nil {
		return c.Scenario.StateAt(elapsed, c.Loop)
	}
	if c.Period <= 0 {
		return ScenarioState{}
	}
	phase := float64(elapsed%c.Period) / float64(c.Period)
	return ScenarioState{HeadingDeg: 360 * phase}
}

// transfer counts a bus transaction and reports an injected failure.
func (c *Chip) transfer(addr uint16, st ScenarioState) error {
	c.transfers++
	if addr != c.Addr {
		return fmt.Errorf("sim: nack from 0x%02X", addr)
	}
	if st.Fault == FaultBus {
		return ErrBusFault
	}
	if c.FailEvery > 0 && c.transfers%c.FailEvery == 0 {
		return ErrBusFault
	}
	return nil
}

func (c *Chip) Write(addr uint16, reg, value byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transfer(addr, c.state()); err != nil {
		return err
	}
	if int(reg) >= len(c.regs) {
		return fmt.Errorf("sim: write to read-only reg 0x%02X", reg)
	}
	if reg == hmc5843.RegConfigA && c.Variant == hmc5843.VariantHMC5843 {
		// No sample averaging on the 5843.
		value &= 0x1F
	}
	c.regs[reg] = value
	return nil
}

func (c *Chip) Read(addr uint16, reg byte, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state()
	if err := c.transfer(addr, st); err != nil {
		return nil, err
	}

	file := make([]byte, hmc5843.RegData+hmc5843.DataLen)
	copy(file, c.regs[:])
	copy(file[hmc5843.RegData:], c.data(st))

	out := make([]byte, n)
	if int(reg) < len(file) {
		copy(out, file[reg:])
	}
	return out, nil
}

func (c *Chip) SetSpeed(fast bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !fast && c.fast {
		c.slowDowns++
	}
	c.fast = fast
}

// Fast reports the current bus speed.
func (c *Chip) Fast() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fast
}

// SlowDowns counts fast-to-slow speed changes.
func (c *Chip) SlowDowns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slowDowns
}

func (c *Chip) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers
}

// data renders the six output bytes for the current mode.
func (c *Chip) data(st ScenarioState) []byte {
	if st.Fault == FaultNoData {
		return c.layout(-4096, -4096, -4096)
	}

	var sensor r3.Vector
	switch c.regs[hmc5843.RegConfigA] & 0x03 {
	case hmc5843.PositiveBiasConfig & 0x03:
		sensor = c.selfTest(1)
	case hmc5843.NegativeBiasConfig & 0x03:
		sensor = c.selfTest(-1)
	default:
		sensor = c.bodyField(st)
	}

	// The driver negates X and Z on read.
	return c.layout(clampCount(-sensor.X), clampCount(sensor.Y), clampCount(-sensor.Z))
}

func (c *Chip) selfTest(sign float64) r3.Vector {
	nominal := selfTest5843
	if c.Variant == hmc5843.VariantHMC5883L {
		nominal = selfTest5883L
	}
	// Sensor-frame values whose register encoding is positive under positive
	// bias.
	return r3.Vector{
		X: -sign * nominal[0] * c.SelfTestScale[0],
		Y: sign * nominal[1] * c.SelfTestScale[1],
		Z: -sign * nominal[2] * c.SelfTestScale[2],
	}
}

// bodyField rotates the world field into the sensor frame.
func (c *Chip) bodyField(st ScenarioState) r3.Vector {
	h := st.HeadingDeg * math.Pi / 180
	p := st.PitchDeg * math.Pi / 180
	f := c.Field
	// Yaw by -heading.
	v := r3.Vector{
		X: f.X*math.Cos(h) + f.Y*math.Sin(h),
		Y: -f.X*math.Sin(h) + f.Y*math.Cos(h),
		Z: f.Z,
	}
	// Pitch by -pitch.
	v = r3.Vector{
		X: v.X*math.Cos(p) - v.Z*math.Sin(p),
		Y: v.Y,
		Z: v.X*math.Sin(p) + v.Z*math.Cos(p),
	}
	return v.Add(r3.Vector{X: st.Disturbance[0], Y: st.Disturbance[1], Z: st.Disturbance[2]})
}

func (c *Chip) layout(x, y, z int16) []byte {
	be := func(n int16) []byte { return []byte{byte(uint16(n) >> 8), byte(uint16(n))} }
	out := be(x)
	if c.Variant == hmc5843.VariantHMC5883L {
		out = append(out, be(z)...)
		return append(out, be(y)...)
	}
	out = append(out, be(y)...)
	return append(out, be(z)...)
}

func clampCount(v float64) int16 {
	r := math.Round(v)
	if r > 2047 {
		return 2047
	}
	if r < -2048 {
		return -2048
	}
	return int16(r)
}
