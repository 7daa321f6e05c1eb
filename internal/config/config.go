package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"compass-ng/internal/rotation"
)

type Config struct {
	Compass   CompassConfig   `yaml:"compass"`
	UDP       UDPConfig       `yaml:"udp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	StatusLED StatusLEDConfig `yaml:"status_led"`
	Log       LogConfig       `yaml:"log"`
	Sim       SimConfig       `yaml:"sim"`
}

type CompassConfig struct {
	// Backend selects the bus transport: dev (/dev/i2c-N), periph, tinygo
	// (drivers.I2C over a periph host bus) or sim.
	Backend     string     `yaml:"backend"`
	// I2CBus is nil when absent so that an explicit 0 selects /dev/i2c-0.
	I2CBus      *int       `yaml:"i2c_bus"`
	Address     uint16     `yaml:"address"`
	Orientation string     `yaml:"orientation"`
	Offset      [3]float64 `yaml:"offset"`
	// Interval is the Update period; AccumulateInterval is how often samples
	// are pulled into the running sum between updates.
	Interval           time.Duration `yaml:"interval"`
	AccumulateInterval time.Duration `yaml:"accumulate_interval"`
}

type UDPConfig struct {
	Dest string `yaml:"dest"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type StatusLEDConfig struct {
	GPIO int `yaml:"gpio"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	SerialPort string `yaml:"serial_port"`
	SerialBaud int    `yaml:"serial_baud"`
}

type SimConfig struct {
	Variant   string        `yaml:"variant"`
	Field     [3]float64    `yaml:"field"`
	Period    time.Duration `yaml:"period"`
	FailEvery int           `yaml:"fail_every"`
	Scenario  string        `yaml:"scenario"`
	Loop      bool          `yaml:"loop"`
}

// Bus returns the I2C bus number, 1 when unset.
func (c CompassConfig) Bus() int {
	if c.I2CBus == nil {
		return 1
	}
	return *c.I2CBus
}

// Rotation returns the parsed board orientation.
func (c CompassConfig) Rotation() rotation.Rotation {
	r, _ := rotation.Parse(c.Orientation)
	return r
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

var linePrefix = regexp.MustCompile(`^line \d+: `)

// Parse decodes YAML, rejecting unknown fields, and applies defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			msgs := make([]string, 0, len(te.Errors))
			for _, e := range te.Errors {
				msgs = append(msgs, linePrefix.ReplaceAllString(e, ""))
			}
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
		}
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() error {
	c := &cfg.Compass
	if c.Backend == "" {
		c.Backend = "dev"
	}
	switch c.Backend {
	case "dev", "periph", "tinygo", "sim":
	default:
		return fmt.Errorf("compass.backend must be dev, periph, tinygo or sim")
	}
	if c.I2CBus == nil {
		bus := 1
		c.I2CBus = &bus
	}
	if *c.I2CBus < 0 {
		return fmt.Errorf("compass.i2c_bus must be >= 0")
	}
	if c.Address == 0 {
		c.Address = 0x1E
	}
	if c.Address > 0x7F {
		return fmt.Errorf("compass.address must be a 7-bit i2c address")
	}
	if _, err := rotation.Parse(c.Orientation); err != nil {
		return fmt.Errorf("compass.orientation %q is not a known rotation", c.Orientation)
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.AccumulateInterval <= 0 {
		c.AccumulateInterval = 20 * time.Millisecond
	}
	if c.AccumulateInterval > c.Interval {
		return fmt.Errorf("compass.accumulate_interval must be <= compass.interval")
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = "compass/mag"
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "compass-ng"
		}
	}

	if cfg.StatusLED.GPIO < 0 {
		return fmt.Errorf("status_led.gpio must be >= 0")
	}

	l := &cfg.Log
	if l.Level == "" {
		l.Level = "info"
	}
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level %q is not a valid level", l.Level)
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Format != "text" && l.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	if l.SerialBaud <= 0 {
		l.SerialBaud = 115200
	}

	// Simulator defaults (safe even if unused).
	s := &cfg.Sim
	if s.Variant == "" {
		s.Variant = "5883l"
	}
	if s.Field == ([3]float64{}) {
		s.Field = [3]float64{300, 0, 450}
	}
	if s.FailEvery < 0 {
		return fmt.Errorf("sim.fail_every must be >= 0")
	}
	if c.Backend == "sim" {
		switch strings.ToLower(s.Variant) {
		case "5843", "5883l", "hmc5843", "hmc5883l":
		default:
			return fmt.Errorf("sim.variant must be 5843 or 5883l")
		}
	}
	return nil
}
