package i2c

import (
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
)

// TinyGo adapts a tinygo drivers.I2C bus (machine.I2C on microcontrollers,
// or any Tx-capable bus on a host such as a periph.io bus).
type TinyGo struct {
	bus    drivers.I2C
	closer func() error
}

// baudSetter is implemented by machine.I2C on targets that can retune the
// clock after Configure.
type baudSetter interface {
	SetBaudRate(br uint32) error
}

// freqSetter is the periph.io form of clock control, for host buses.
type freqSetter interface {
	SetSpeed(f physic.Frequency) error
}

func NewTinyGo(bus drivers.I2C) *TinyGo { return &TinyGo{bus: bus} }

// OpenTinyGo drives a periph.io host bus through the drivers.I2C contract, so
// the code path used on microcontrollers can be run on a Linux board.
func OpenTinyGo(name string) (*TinyGo, error) {
	p, err := OpenPeriph(name)
	if err != nil {
		return nil, err
	}
	return &TinyGo{bus: p.bus, closer: p.Close}, nil
}

func (t *TinyGo) Close() error {
	if t.closer == nil {
		return nil
	}
	err := t.closer()
	t.closer = nil
	return err
}

func (t *TinyGo) Read(addr uint16, reg byte, n int) ([]byte, error) {
	r := make([]byte, n)
	if err := t.bus.Tx(addr, []byte{reg}, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *TinyGo) Write(addr uint16, reg, value byte) error {
	return t.bus.Tx(addr, []byte{reg, value}, nil)
}

func (t *TinyGo) SetSpeed(fast bool) {
	f := StandardSpeed
	if fast {
		f = FastSpeed
	}
	switch b := t.bus.(type) {
	case baudSetter:
		_ = b.SetBaudRate(uint32(f / physic.Hertz))
	case freqSetter:
		_ = b.SetSpeed(f)
	}
}
