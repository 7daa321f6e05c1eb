// Package rotation maps sensor-frame vectors into the vehicle body frame.
//
// The enumeration and numbering match the ArduPilot board orientation
// parameter, so stored parameters carry over between autopilots.
package rotation

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
)

type Rotation int

const (
	None Rotation = iota
	Yaw45
	Yaw90
	Yaw135
	Yaw180
	Yaw225
	Yaw270
	Yaw315
	Roll180
	Roll180Yaw45
	Roll180Yaw90
	Roll180Yaw135
	Pitch180
	Roll180Yaw225
	Roll180Yaw270
	Roll180Yaw315
	Roll90
	Roll90Yaw45
	Roll90Yaw90
	Roll90Yaw135
	Roll270
	Roll270Yaw45
	Roll270Yaw90
	Roll270Yaw135
	Pitch90
	Pitch270

	count
)

// euler holds roll, pitch and yaw in degrees, applied in that order.
type euler struct {
	roll, pitch, yaw int
}

var table = [count]struct {
	name string
	e    euler
}{
	None:          {"none", euler{0, 0, 0}},
	Yaw45:         {"yaw_45", euler{0, 0, 45}},
	Yaw90:         {"yaw_90", euler{0, 0, 90}},
	Yaw135:        {"yaw_135", euler{0, 0, 135}},
	Yaw180:        {"yaw_180", euler{0, 0, 180}},
	Yaw225:        {"yaw_225", euler{0, 0, 225}},
	Yaw270:        {"yaw_270", euler{0, 0, 270}},
	Yaw315:        {"yaw_315", euler{0, 0, 315}},
	Roll180:       {"roll_180", euler{180, 0, 0}},
	Roll180Yaw45:  {"roll_180_yaw_45", euler{180, 0, 45}},
	Roll180Yaw90:  {"roll_180_yaw_90", euler{180, 0, 90}},
	Roll180Yaw135: {"roll_180_yaw_135", euler{180, 0, 135}},
	Pitch180:      {"pitch_180", euler{0, 180, 0}},
	Roll180Yaw225: {"roll_180_yaw_225", euler{180, 0, 225}},
	Roll180Yaw270: {"roll_180_yaw_270", euler{180, 0, 270}},
	Roll180Yaw315: {"roll_180_yaw_315", euler{180, 0, 315}},
	Roll90:        {"roll_90", euler{90, 0, 0}},
	Roll90Yaw45:   {"roll_90_yaw_45", euler{90, 0, 45}},
	Roll90Yaw90:   {"roll_90_yaw_90", euler{90, 0, 90}},
	Roll90Yaw135:  {"roll_90_yaw_135", euler{90, 0, 135}},
	Roll270:       {"roll_270", euler{270, 0, 0}},
	Roll270Yaw45:  {"roll_270_yaw_45", euler{270, 0, 45}},
	Roll270Yaw90:  {"roll_270_yaw_90", euler{270, 0, 90}},
	Roll270Yaw135: {"roll_270_yaw_135", euler{270, 0, 135}},
	Pitch90:       {"pitch_90", euler{0, 90, 0}},
	Pitch270:      {"pitch_270", euler{0, 270, 0}},
}

func (r Rotation) Valid() bool { return r >= 0 && r < count }

func (r Rotation) String() string {
	if !r.Valid() {
		return fmt.Sprintf("rotation(%d)", int(r))
	}
	return table[r].name
}

// Parse accepts either a name ("roll_180_yaw_90", case-insensitive) or the
// numeric parameter value ("10").
func Parse(s string) (Rotation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return None, nil
	}
	for i := range table {
		if table[i].name == s {
			return Rotation(i), nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprint(n) == s {
		if r := Rotation(n); r.Valid() {
			return r, nil
		}
	}
	return None, fmt.Errorf("rotation: unknown orientation %q", s)
}

// Rotate applies r to v. Invalid rotations leave v unchanged.
func (r Rotation) Rotate(v r3.Vector) r3.Vector {
	if r == None || !r.Valid() {
		return v
	}
	e := table[r].e
	if e.roll != 0 {
		c, s := sincos(e.roll)
		v = r3.Vector{X: v.X, Y: v.Y*c - v.Z*s, Z: v.Y*s + v.Z*c}
	}
	if e.pitch != 0 {
		c, s := sincos(e.pitch)
		v = r3.Vector{X: v.X*c + v.Z*s, Y: v.Y, Z: -v.X*s + v.Z*c}
	}
	if e.yaw != 0 {
		c, s := sincos(e.yaw)
		v = r3.Vector{X: v.X*c - v.Y*s, Y: v.X*s + v.Y*c, Z: v.Z}
	}
	return v
}

// AddOffset translates v by a fixed offset.
func AddOffset(v, offset r3.Vector) r3.Vector { return v.Add(offset) }

const halfSqrt2 = math.Sqrt2 / 2

// sincos returns exact values for multiples of 45 degrees so that
// right-angle rotations do not leak rounding noise into other axes.
func sincos(deg int) (c, s float64) {
	switch ((deg % 360) + 360) % 360 {
	case 0:
		return 1, 0
	case 45:
		return halfSqrt2, halfSqrt2
	case 90:
		return 0, 1
	case 135:
		return -halfSqrt2, halfSqrt2
	case 180:
		return -1, 0
	case 225:
		return -halfSqrt2, -halfSqrt2
	case 270:
		return 0, -1
	case 315:
		return halfSqrt2, -halfSqrt2
	}
	rad := float64(deg) * math.Pi / 180
	return math.Cos(rad), math.Sin(rad)
}
