package i2c

import (
	"fmt"

	pi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Bus clock rates used by SetSpeed.
const (
	FastSpeed     = 400 * physic.KiloHertz
	StandardSpeed = 100 * physic.KiloHertz
)

// Periph adapts a periph.io I2C bus. Unlike the i2c-dev Bus it can change the
// bus clock at runtime.
type Periph struct {
	bus    pi2c.Bus
	closer func() error
	speed  physic.Frequency
}

// OpenPeriph initialises the periph host drivers and opens the named bus
// ("" selects the first one, "1" selects /dev/i2c-1 on Linux).
func OpenPeriph(name string) (*Periph, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("i2c: periph host init: %w", err)
	}
	bc, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("i2c: open periph bus %q: %w", name, err)
	}
	p := NewPeriph(bc)
	p.closer = bc.Close
	return p, nil
}

func NewPeriph(bus pi2c.Bus) *Periph {
	return &Periph{bus: bus}
}

func (p *Periph) String() string { return p.bus.String() }

func (p *Periph) Read(addr uint16, reg byte, n int) ([]byte, error) {
	r := make([]byte, n)
	if err := p.bus.Tx(addr, []byte{reg}, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Periph) Write(addr uint16, reg, value byte) error {
	return p.bus.Tx(addr, []byte{reg, value}, nil)
}

// SetSpeed switches between 400 kHz and 100 kHz. Buses that cannot change
// clock keep their current rate.
func (p *Periph) SetSpeed(fast bool) {
	f := StandardSpeed
	if fast {
		f = FastSpeed
	}
	if err := p.bus.SetSpeed(f); err == nil {
		p.speed = f
	}
}

// Speed returns the last clock rate successfully applied, or 0.
func (p *Periph) Speed() physic.Frequency { return p.speed }

func (p *Periph) Close() error {
	if p.closer == nil {
		return nil
	}
	err := p.closer()
	p.closer = nil
	return err
}
