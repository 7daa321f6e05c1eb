// Package logging builds the process logger.
//
// Entries can additionally be teed to a UART (SerialPort) for benches where
// the console is a serial debug header.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

type Config struct {
	Level      string
	Format     string // text | json
	SerialPort string
	SerialBaud int
}

// openSerial is swapped in tests.
var openSerial = func(name string, baud int) (io.WriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud})
}

// New returns a logger writing to out and, if configured, a serial port.
// The returned closer releases the serial port.
func New(cfg Config, out io.Writer) (*logrus.Logger, io.Closer, error) {
	if out == nil {
		out = os.Stderr
	}
	level := logrus.InfoLevel
	if cfg.Level != "" {
		l, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	log := logrus.New()
	log.SetLevel(level)
	switch cfg.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if cfg.SerialPort != "" {
		baud := cfg.SerialBaud
		if baud <= 0 {
			baud = 115200
		}
		port, err := openSerial(cfg.SerialPort, baud)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open serial %s: %w", cfg.SerialPort, err)
		}
		out = io.MultiWriter(out, port)
		closer = port
	}
	log.SetOutput(out)
	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
