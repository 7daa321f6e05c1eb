// Package statusled drives a single health LED on a GPIO output line.
package statusled

import (
	"fmt"
	"sync"
)

type outputLine interface {
	SetValue(v int) error
	Close() error
}

// LED mirrors a boolean state onto a GPIO line. Writes only happen on change.
type LED struct {
	pin int

	mu    sync.Mutex
	line  outputLine
	known bool
	on    bool
}

// Open requests BCM GPIO pin as an output, initially off.
func Open(pin int) (*LED, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("statusled: invalid gpio pin %d", pin)
	}
	line, err := openLineFn(pin)
	if err != nil {
		return nil, err
	}
	return &LED{pin: pin, line: line, known: true}, nil
}

func (l *LED) String() string { return fmt.Sprintf("GPIO%d", l.pin) }

func (l *LED) Set(on bool) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return fmt.Errorf("statusled: closed")
	}
	if l.known && l.on == on {
		return nil
	}
	v := 0
	if on {
		v = 1
	}
	if err := l.line.SetValue(v); err != nil {
		l.known = false
		return fmt.Errorf("statusled: set %s: %w", l, err)
	}
	l.on = on
	l.known = true
	return nil
}

// Close turns the LED off and releases the line.
func (l *LED) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return nil
	}
	_ = l.line.SetValue(0)
	err := l.line.Close()
	l.line = nil
	return err
}
