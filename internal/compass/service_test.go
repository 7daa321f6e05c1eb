package compass

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"compass-ng/internal/clock"
	"compass-ng/internal/rotation"
	"compass-ng/internal/sim"
)

// flakyBus fails every transfer while down is set.
type flakyBus struct {
	*sim.Chip
	mu   sync.Mutex
	down bool
}

var errDown = errors.New("bus down")

func (b *flakyBus) setDown(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = v
}

func (b *flakyBus) isDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

func (b *flakyBus) Read(addr uint16, reg byte, n int) ([]byte, error) {
	if b.isDown() {
		return nil, errDown
	}
	return b.Chip.Read(addr, reg, n)
}

func (b *flakyBus) Write(addr uint16, reg, value byte) error {
	if b.isDown() {
		return errDown
	}
	return b.Chip.Write(addr, reg, value)
}

type recordSink struct {
	mu      sync.Mutex
	got     [][]byte
	err     error
	closed  bool
	sendErr int
}

func (r *recordSink) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		r.sendErr++
		return r.err
	}
	r.got = append(r.got, append([]byte(nil), p...))
	return nil
}

func (r *recordSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fakeLED struct {
	mu     sync.Mutex
	states []bool
	closed bool
}

func (l *fakeLED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, on)
	return nil
}

func (l *fakeLED) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLED) last() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[len(l.states)-1]
}

func newSimService(t *testing.T, variant string, sinks []Sink, led Indicator) (*Service, *flakyBus, *clock.Fake) {
	t.Helper()
	chip, err := sim.NewChip(variant)
	if err != nil {
		t.Fatalf("NewChip: %v", err)
	}
	bus := &flakyBus{Chip: chip}
	clk := clock.NewFake()
	s := New(Config{Bus: bus, Clock: clk}, sinks, led)
	t.Cleanup(s.Close)
	return s, bus, clk
}

func TestHeading(t *testing.T) {
	cases := []struct {
		f    r3.Vector
		want float64
	}{
		{r3.Vector{X: 1}, 0},
		{r3.Vector{Y: -1}, 90},
		{r3.Vector{X: -1}, 180},
		{r3.Vector{Y: 1}, 270},
		{r3.Vector{X: 1, Y: -1}, 45},
	}
	for _, tc := range cases {
		if got := Heading(tc.f); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Heading(%v)=%v want %v", tc.f, got, tc.want)
		}
	}
}

func TestStep_BeforeOpen(t *testing.T) {
	s := New(Config{Bus: &flakyBus{}}, nil, nil)
	if _, ok := s.Step(); ok {
		t.Fatalf("expected Step to fail before Open")
	}
	if s.Snapshot().LastError == "" {
		t.Fatalf("expected LastError")
	}
}

func TestNew_KeepsBusZero(t *testing.T) {
	s := New(Config{Backend: "dev", I2CBus: 0}, nil, nil)
	if s.cfg.I2CBus != 0 {
		t.Fatalf("I2CBus=%d want 0", s.cfg.I2CBus)
	}
}

func TestOpen_PopulatesSnapshot(t *testing.T) {
	led := &fakeLED{}
	s, _, _ := newSimService(t, "5883l", nil, led)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap := s.Snapshot()
	if !snap.Detected || snap.Variant != "HMC5883L" || !snap.Calibrated {
		t.Fatalf("snap=%+v", snap)
	}
	for i, c := range snap.Calibration {
		if math.Abs(c-660.0/1090) > 1e-9 {
			t.Fatalf("cal[%d]=%v", i, c)
		}
	}
	if snap.Health != "healthy" || !snap.Healthy {
		t.Fatalf("health=%q healthy=%v", snap.Health, snap.Healthy)
	}
	if !led.last() {
		t.Fatalf("led should be on")
	}
	// A second Open is a no-op.
	if err := s.Open(); err != nil {
		t.Fatalf("second Open: %v", err)
	}
}

func TestOpen_NoChip(t *testing.T) {
	chip, _ := sim.NewChip("5883l")
	chip.Addr = 0x1F
	s := New(Config{Bus: chip, Clock: clock.NewFake()}, nil, nil)
	defer s.Close()
	if err := s.Open(); err == nil {
		t.Fatalf("expected Open to fail")
	}
	if s.Snapshot().Detected {
		t.Fatalf("should not be detected")
	}
}

func TestStep_PublishesSample(t *testing.T) {
	sink := &recordSink{}
	s, _, _ := newSimService(t, "5843", []Sink{sink}, nil)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sample, ok := s.Step()
	if !ok {
		t.Fatalf("Step failed: %s", s.Snapshot().LastError)
	}
	if math.Abs(sample.X-300) > 1e-6 || math.Abs(sample.Y) > 1e-6 || math.Abs(sample.Z-450) > 1e-6 {
		t.Fatalf("sample=%+v", sample)
	}
	if math.Abs(sample.HeadingDeg) > 1e-9 || !sample.Healthy {
		t.Fatalf("sample=%+v", sample)
	}
	if sink.count() != 1 {
		t.Fatalf("sink got %d payloads want 1", sink.count())
	}
	var decoded map[string]any
	if err := json.Unmarshal(sink.got[0], &decoded); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	for _, k := range []string{"time", "x", "y", "z", "heading_deg", "healthy"} {
		if _, ok := decoded[k]; !ok {
			t.Fatalf("payload missing %q: %s", k, sink.got[0])
		}
	}
	if got := s.Snapshot().Updates; got != 1 {
		t.Fatalf("updates=%d want 1", got)
	}
}

func TestStep_OrientationApplied(t *testing.T) {
	chip, _ := sim.NewChip("5843")
	s := New(Config{Bus: chip, Clock: clock.NewFake(), Orientation: rotation.Yaw90}, nil, nil)
	defer s.Close()
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sample, ok := s.Step()
	if !ok {
		t.Fatalf("Step failed")
	}
	// Yaw 90 maps +X onto +Y.
	if math.Abs(sample.X) > 1e-6 || math.Abs(sample.Y-300) > 1e-6 {
		t.Fatalf("sample=%+v", sample)
	}
	if s.Snapshot().Orientation != rotation.Yaw90.String() {
		t.Fatalf("orientation=%q", s.Snapshot().Orientation)
	}
}

func TestStep_SinkErrorCounted(t *testing.T) {
	bad := &recordSink{err: errors.New("unreachable")}
	good := &recordSink{}
	s, _, _ := newSimService(t, "5883l", []Sink{bad, good}, nil)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Step(); !ok {
		t.Fatalf("Step failed")
	}
	if s.Snapshot().SinkErrors != 1 || good.count() != 1 {
		t.Fatalf("sinkErrors=%d good=%d", s.Snapshot().SinkErrors, good.count())
	}
}

func TestStep_BusFailureBacksOffAndRecovers(t *testing.T) {
	led := &fakeLED{}
	s, bus, clk := newSimService(t, "5883l", nil, led)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Drain the sample taken during Open.
	if _, ok := s.Step(); !ok {
		t.Fatalf("Step failed")
	}

	bus.setDown(true)
	if _, ok := s.Step(); ok {
		t.Fatalf("expected failure while bus is down")
	}
	snap := s.Snapshot()
	if snap.Health != "unhealthy" || snap.Healthy || snap.BusErrors != 1 || snap.Failures != 1 {
		t.Fatalf("snap=%+v", snap)
	}
	if led.last() {
		t.Fatalf("led should be off")
	}
	if bus.Chip.Fast() {
		t.Fatalf("bus should be slowed")
	}

	bus.setDown(false)
	if _, ok := s.Step(); ok {
		t.Fatalf("expected failure inside back-off window")
	}
	if got := s.Snapshot(); got.Retries != 0 || got.BusErrors != 1 {
		t.Fatalf("retries=%d busErrors=%d", got.Retries, got.BusErrors)
	}

	clk.AdvanceMillis(1000)
	if _, ok := s.Step(); !ok {
		t.Fatalf("expected recovery: %s", s.Snapshot().LastError)
	}
	snap = s.Snapshot()
	if snap.Retries != 1 || !snap.Healthy || snap.LastError != "" {
		t.Fatalf("snap=%+v", snap)
	}
	if !led.last() {
		t.Fatalf("led should be back on")
	}
}

func TestStep_RecoversFromAccumulateErrorAfterLongUptime(t *testing.T) {
	s, bus, clk := newSimService(t, "5883l", nil, nil)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Step(); !ok {
		t.Fatalf("Step failed")
	}

	// 25 days of uptime, then a failed sample from the accumulate ticker.
	clk.AdvanceMillis(25 * 24 * 3600 * 1000)
	bus.setDown(true)
	s.devMu.Lock()
	s.dev.Accumulate()
	s.devMu.Unlock()
	bus.setDown(false)

	clk.AdvanceMillis(5000)
	if _, ok := s.Step(); !ok {
		t.Fatalf("expected recovery: %s", s.Snapshot().LastError)
	}
	if got := s.Snapshot(); got.Retries != 1 || !got.Healthy {
		t.Fatalf("snap=%+v", got)
	}
}

func TestStart_LoopPublishesAndStopsOnCancel(t *testing.T) {
	chip, _ := sim.NewChip("5883l")
	sink := &recordSink{}
	led := &fakeLED{}
	s := New(Config{
		Bus:                chip,
		Clock:              clock.NewFake(),
		Interval:           5 * time.Millisecond,
		AccumulateInterval: time.Millisecond,
	}, []Sink{sink}, led)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("loop produced %d samples", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	deadline = time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		closed := sink.closed
		sink.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sinks not closed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Close after cancel is a no-op.
	s.Close()
}
