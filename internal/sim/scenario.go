package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ScenarioScript is a deterministic, script-driven bench description for the
// simulated magnetometer.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 30s
//	keyframes:
//	  - t: 0s
//	    heading_deg: 350
//	    pitch_deg: 0
//	  - t: 10s
//	    heading_deg: 10
//	    disturbance: [50, 0, 0]
//	faults:
//	  - from: 12s
//	    to: 14s
//	    kind: bus
//
// Keyframes must be sorted by time and use non-decreasing t values. Fault
// windows are half-open [from, to).
type ScenarioScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
	Faults    []FaultWindow `yaml:"faults"`
}

// Keyframe is a time-stamped sensor attitude plus an additive field
// disturbance in raw counts.
type Keyframe struct {
	T           time.Duration `yaml:"t"`
	HeadingDeg  float64       `yaml:"heading_deg"`
	PitchDeg    float64       `yaml:"pitch_deg"`
	Disturbance [3]float64    `yaml:"disturbance"`
}

type FaultKind string

const (
	// FaultBus makes every transfer fail.
	FaultBus FaultKind = "bus"
	// FaultNoData makes data reads return the overflow sentinel.
	FaultNoData FaultKind = "nodata"
)

type FaultWindow struct {
	From time.Duration `yaml:"from"`
	To   time.Duration `yaml:"to"`
	Kind FaultKind     `yaml:"kind"`
}

// Scenario is the validated, runtime representation.
//
// Use StateAt to compute the deterministic state at a given elapsed time.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// ScenarioState is the computed bench state at a time.
type ScenarioState struct {
	HeadingDeg  float64
	PitchDeg    float64
	Disturbance [3]float64
	Fault       FaultKind
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i := range script.Keyframes {
		if script.Keyframes[i].T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && script.Keyframes[i].T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}
	for i, f := range script.Faults {
		if f.Kind != FaultBus && f.Kind != FaultNoData {
			return nil, fmt.Errorf("faults[%d].kind must be bus or nodata", i)
		}
		if f.To <= f.From {
			return nil, fmt.Errorf("faults[%d].to must be after from", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = maxScriptTime(script)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}
	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// StateAt computes the bench state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) ScenarioState {
	if s == nil {
		return ScenarioState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	out := ScenarioState{
		HeadingDeg: lerpAngleDeg(k0.HeadingDeg, k1.HeadingDeg, alpha),
		PitchDeg:   lerp(k0.PitchDeg, k1.PitchDeg, alpha),
	}
	for i := range out.Disturbance {
		out.Disturbance[i] = lerp(k0.Disturbance[i], k1.Disturbance[i], alpha)
	}
	for _, f := range s.script.Faults {
		if elapsed >= f.From && elapsed < f.To {
			out.Fault = f.Kind
			break
		}
	}
	return out
}

func maxScriptTime(s ScenarioScript) time.Duration {
	max := time.Duration(0)
	for _, kf := range s.Keyframes {
		if kf.T > max {
			max = kf.T
		}
	}
	for _, f := range s.Faults {
		if f.To > max {
			max = f.To
		}
	}
	return max
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpAngleDeg(a0, a1, t float64) float64 {
	// Shortest-path interpolation across wraparound.
	a0 = normDeg(a0)
	a1 = normDeg(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return normDeg(a0 + delta*t)
}

// normDeg normalizes to [0, 360).
func normDeg(x float64) float64 {
	for x < 0 {
		x += 360
	}
	for x >= 360 {
		x -= 360
	}
	return x
}
