// Package compass runs an HMC58x3 magnetometer on a periodic loop and fans
// its samples out to network sinks.
package compass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"compass-ng/internal/clock"
	"compass-ng/internal/i2c"
	"compass-ng/internal/rotation"
	"compass-ng/internal/sensors/hmc5843"
)

type Config struct {
	// Backend is dev (/dev/i2c-N), periph or tinygo. Ignored when Bus is set.
	Backend     string
	// I2CBus is N in /dev/i2c-N; zero is a valid bus.
	I2CBus      int
	Address     uint16
	Orientation rotation.Rotation
	Offset      r3.Vector

	Interval           time.Duration
	AccumulateInterval time.Duration

	// Bus overrides Backend, e.g. with a simulated chip.
	Bus   hmc5843.Bus
	Clock clock.Clock
	Log   logrus.FieldLogger
}

// Sink receives one JSON-encoded Sample per successful update.
type Sink interface {
	Send(payload []byte) error
}

// Indicator shows the health state, e.g. an LED.
type Indicator interface {
	Set(on bool) error
}

type Sample struct {
	Time       time.Time `json:"time"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Z          float64   `json:"z"`
	HeadingDeg float64   `json:"heading_deg"`
	Healthy    bool      `json:"healthy"`
}

type Snapshot struct {
	Detected    bool
	Variant     string
	Calibrated  bool
	Calibration [3]float64
	Orientation string

	Health           string
	Healthy          bool
	RetryNotBeforeMs uint32

	Field        [3]float64
	HeadingDeg   float64
	LastUpdateAt time.Time

	Updates    uint64
	Failures   uint64
	BusErrors  uint64
	Retries    uint64
	SinkErrors uint64

	LastError string
	UpdatedAt time.Time
}

type Service struct {
	cfg Config
	log logrus.FieldLogger
	clk clock.Clock

	sinks []Sink
	led   Indicator

	mu   sync.RWMutex
	snap Snapshot

	// devMu serialises driver calls between the loop and Step.
	devMu  sync.Mutex
	dev    *hmc5843.Device
	closer io.Closer

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, sinks []Sink, led Indicator) *Service {
	if cfg.Address == 0 {
		cfg.Address = hmc5843.DefaultAddress
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.AccumulateInterval <= 0 {
		cfg.AccumulateInterval = 20 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Service{
		cfg:    cfg,
		log:    log.WithField("component", "compass"),
		clk:    cfg.Clock,
		sinks:  sinks,
		led:    led,
		stopCh: make(chan struct{}),
		snap:   Snapshot{Health: hmc5843.Uninitialized.String(), Orientation: cfg.Orientation.String()},
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Open attaches to the bus and initialises the magnetometer. An error means
// no usable chip was found.
func (s *Service) Open() error {
	if s == nil {
		return fmt.Errorf("compass: service is nil")
	}
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.dev != nil {
		return nil
	}

	bus := s.cfg.Bus
	if bus == nil {
		b, c, err := openBus(s.cfg.Backend, s.cfg.I2CBus)
		if err != nil {
			s.setErr(err.Error())
			return err
		}
		bus = b
		s.closer = c
	}

	dev := hmc5843.New(bus, s.clk,
		hmc5843.WithAddress(s.cfg.Address),
		hmc5843.WithLogger(s.log),
		hmc5843.WithOrientation(s.cfg.Orientation),
		hmc5843.WithOffset(s.cfg.Offset),
	)
	calibrated, err := dev.Init()
	if err != nil {
		s.setErr(fmt.Sprintf("init: %v", err))
		if s.closer != nil {
			_ = s.closer.Close()
			s.closer = nil
		}
		return err
	}
	s.dev = dev

	s.log.WithFields(logrus.Fields{
		"variant":     dev.Variant(),
		"calibrated":  calibrated,
		"scale":       dev.Calibration(),
		"orientation": dev.Orientation(),
	}).Info("magnetometer ready")

	s.mu.Lock()
	s.snap.Detected = true
	s.snap.Variant = dev.Variant().String()
	s.snap.Calibrated = calibrated
	s.snap.Calibration = dev.Calibration()
	s.mu.Unlock()
	h, retryAt := dev.Health()
	s.publishState(h, retryAt, dev.Healthy())
	return nil
}

// Start opens the device and runs the sampling loop until ctx is done or
// Close is called.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Open(); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.devMu.Lock()
		defer s.devMu.Unlock()
		for _, sk := range s.sinks {
			if c, ok := sk.(io.Closer); ok {
				_ = c.Close()
			}
		}
		if c, ok := s.led.(io.Closer); ok {
			_ = c.Close()
		}
		if s.closer != nil {
			_ = s.closer.Close()
			s.closer = nil
		}
	})
}

func (s *Service) run(ctx context.Context) {
	accTick := time.NewTicker(s.cfg.AccumulateInterval)
	updTick := time.NewTicker(s.cfg.Interval)
	defer accTick.Stop()
	defer updTick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.stopCh:
			return
		case <-accTick.C:
			s.devMu.Lock()
			if s.dev != nil {
				s.dev.Accumulate()
			}
			s.devMu.Unlock()
		case <-updTick.C:
			s.Step()
		}
	}
}

// Step runs one update cycle and publishes the result. ok is false when no
// new field was produced.
func (s *Service) Step() (Sample, bool) {
	s.devMu.Lock()
	dev := s.dev
	if dev == nil {
		s.devMu.Unlock()
		s.setErr(hmc5843.ErrNotInitialized.Error())
		return Sample{}, false
	}

	h, _ := dev.Health()
	retryDue := dev.RetryDue()
	attempted := h == hmc5843.Healthy || retryDue

	ok := dev.Update()
	field, _ := dev.Field()
	lastErr := dev.LastError()
	healthy := dev.Healthy()
	h, retryAt := dev.Health()
	s.devMu.Unlock()

	now := time.Now().UTC()
	s.mu.Lock()
	if retryDue {
		s.snap.Retries++
	}
	if !ok {
		s.snap.Failures++
		if attempted && errors.Is(lastErr, hmc5843.ErrBusIO) {
			s.snap.BusErrors++
		}
		if lastErr != nil {
			s.snap.LastError = lastErr.Error()
		}
		s.snap.UpdatedAt = now
		s.mu.Unlock()
		s.publishState(h, retryAt, healthy)
		return Sample{}, false
	}
	sample := Sample{
		Time:       now,
		X:          field.X,
		Y:          field.Y,
		Z:          field.Z,
		HeadingDeg: Heading(field),
		Healthy:    healthy,
	}
	s.snap.Updates++
	s.snap.Field = [3]float64{field.X, field.Y, field.Z}
	s.snap.HeadingDeg = sample.HeadingDeg
	s.snap.LastUpdateAt = now
	s.snap.LastError = ""
	s.snap.UpdatedAt = now
	s.mu.Unlock()

	s.publishState(h, retryAt, healthy)
	s.emit(sample)
	return sample, true
}

func (s *Service) emit(sample Sample) {
	if len(s.sinks) == 0 {
		return
	}
	b, err := json.Marshal(sample)
	if err != nil {
		s.log.WithError(err).Error("encode sample")
		return
	}
	for _, sk := range s.sinks {
		if err := sk.Send(b); err != nil {
			s.mu.Lock()
			s.snap.SinkErrors++
			s.mu.Unlock()
			s.log.WithError(err).WithField("sink", fmt.Sprint(sk)).Warn("send sample failed")
		}
	}
}

// publishState copies driver health into the snapshot and drives the
// indicator.
func (s *Service) publishState(h hmc5843.Health, retryAt uint32, healthy bool) {
	s.mu.Lock()
	s.snap.Health = h.String()
	s.snap.Healthy = healthy
	s.snap.RetryNotBeforeMs = retryAt
	s.mu.Unlock()

	if s.led != nil {
		if err := s.led.Set(healthy); err != nil {
			s.log.WithError(err).Debug("status led")
		}
	}
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastError = msg
	s.snap.Healthy = false
	s.snap.UpdatedAt = time.Now().UTC()
}

// Heading returns the magnetic heading of a body-frame field in degrees,
// in [0, 360). It does not compensate for tilt.
func Heading(f r3.Vector) float64 {
	h := math.Atan2(-f.Y, f.X) * 180 / math.Pi
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h -= 360
	}
	return h
}

func openBus(backend string, busNum int) (hmc5843.Bus, io.Closer, error) {
	switch backend {
	case "", "dev":
		path := fmt.Sprintf("/dev/i2c-%d", busNum)
		b, err := i2c.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("compass: open %s: %w", path, err)
		}
		return b, b, nil
	case "periph":
		p, err := i2c.OpenPeriph(strconv.Itoa(busNum))
		if err != nil {
			return nil, nil, fmt.Errorf("compass: %w", err)
		}
		return p, p, nil
	case "tinygo":
		tg, err := i2c.OpenTinyGo(strconv.Itoa(busNum))
		if err != nil {
			return nil, nil, fmt.Errorf("compass: %w", err)
		}
		return tg, tg, nil
	default:
		return nil, nil, fmt.Errorf("compass: backend %q needs an explicit bus", backend)
	}
}
