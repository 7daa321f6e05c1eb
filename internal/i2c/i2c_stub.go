//go:build !linux

package i2c

import "fmt"

type Bus struct{}

type Dev struct{}

func Open(path string) (*Bus, error) { return nil, fmt.Errorf("i2c: unsupported OS (need linux)") }

func (b *Bus) Close() error   { return nil }
func (b *Bus) String() string { return "i2c(unsupported)" }
func (b *Bus) Fast() bool     { return false }
func (b *Bus) SetSpeed(bool)  {}

func (b *Bus) Read(addr uint16, reg byte, n int) ([]byte, error) {
	return nil, fmt.Errorf("i2c: unsupported OS")
}
func (b *Bus) Write(addr uint16, reg, value byte) error { return fmt.Errorf("i2c: unsupported OS") }

func (b *Bus) Dev(addr uint16) *Dev { return nil }

func (d *Dev) ReadReg(reg byte, dst []byte) error { return fmt.Errorf("i2c: unsupported OS") }
func (d *Dev) WriteReg(reg, value byte) error     { return fmt.Errorf("i2c: unsupported OS") }
