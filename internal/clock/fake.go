package clock

// Fake is a manually driven Clock for tests and simulation.
//
// Delay advances the clock by the requested amount, so code that waits for a
// conversion observes time passing without real sleeps.
type Fake struct {
	us     uint64
	Delays []uint32
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Micros() uint32 { return uint32(f.us) }

func (f *Fake) Millis() uint32 { return uint32(f.us / 1000) }

func (f *Fake) Delay(ms uint32) {
	f.Delays = append(f.Delays, ms)
	f.us += uint64(ms) * 1000
}

// Advance moves the clock forward by us microseconds.
func (f *Fake) Advance(us uint32) { f.us += uint64(us) }

// AdvanceMillis moves the clock forward by ms milliseconds.
func (f *Fake) AdvanceMillis(ms uint32) { f.us += uint64(ms) * 1000 }
