package clock

import "time"

// Clock is the timing capability used by bus drivers.
//
// Micros and Millis are monotonic counters measured from an arbitrary epoch.
// Like the hardware counters they stand in for, they wrap at 2^32 and callers
// must compare them with unsigned subtraction.
type Clock interface {
	Micros() uint32
	Millis() uint32
	Delay(ms uint32)
}

// System is a Clock backed by the Go monotonic clock.
type System struct {
	start time.Time
	sleep func(time.Duration)
}

func NewSystem() *System {
	return &System{start: time.Now(), sleep: time.Sleep}
}

func (s *System) Micros() uint32 { return uint32(time.Since(s.start).Microseconds()) }

func (s *System) Millis() uint32 { return uint32(time.Since(s.start).Milliseconds()) }

func (s *System) Delay(ms uint32) { s.sleep(time.Duration(ms) * time.Millisecond) }
