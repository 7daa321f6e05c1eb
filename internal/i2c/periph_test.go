package i2c

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/conn/v3/physic"
)

type fakePeriphBus struct {
	lastAddr uint16
	lastW    []byte
	reply    []byte
	txErr    error
	speedErr error
	speeds   []physic.Frequency
}

func (f *fakePeriphBus) String() string { return "fake" }

func (f *fakePeriphBus) Tx(addr uint16, w, r []byte) error {
	f.lastAddr = addr
	f.lastW = append([]byte(nil), w...)
	if f.txErr != nil {
		return f.txErr
	}
	copy(r, f.reply)
	return nil
}

func (f *fakePeriphBus) SetSpeed(freq physic.Frequency) error {
	f.speeds = append(f.speeds, freq)
	return f.speedErr
}

func TestPeriph_ReadIsRepeatedStartRegisterRead(t *testing.T) {
	fb := &fakePeriphBus{reply: []byte{1, 2, 3, 4, 5, 6}}
	p := NewPeriph(fb)
	got, err := p.Read(0x1E, 0x03, 6)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fb.lastAddr != 0x1E || !bytes.Equal(fb.lastW, []byte{0x03}) {
		t.Fatalf("addr=0x%X w=%v", fb.lastAddr, fb.lastW)
	}
	if !bytes.Equal(got, fb.reply) {
		t.Fatalf("got=%v want %v", got, fb.reply)
	}
}

func TestPeriph_WriteAndError(t *testing.T) {
	fb := &fakePeriphBus{}
	p := NewPeriph(fb)
	if err := p.Write(0x1E, 0x02, 0x00); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(fb.lastW, []byte{0x02, 0x00}) {
		t.Fatalf("w=%v", fb.lastW)
	}
	fb.txErr = errors.New("nack")
	if _, err := p.Read(0x1E, 0x00, 1); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPeriph_SetSpeed(t *testing.T) {
	fb := &fakePeriphBus{}
	p := NewPeriph(fb)
	p.SetSpeed(true)
	p.SetSpeed(false)
	if len(fb.speeds) != 2 || fb.speeds[0] != 400*physic.KiloHertz || fb.speeds[1] != 100*physic.KiloHertz {
		t.Fatalf("speeds=%v", fb.speeds)
	}
	if p.Speed() != StandardSpeed {
		t.Fatalf("speed=%v want %v", p.Speed(), StandardSpeed)
	}

	fb.speedErr = errors.New("unsupported")
	p.SetSpeed(true)
	if p.Speed() != StandardSpeed {
		t.Fatalf("speed changed despite error: %v", p.Speed())
	}
}

func TestPeriph_CloseWithoutCloser(t *testing.T) {
	p := NewPeriph(&fakePeriphBus{})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
