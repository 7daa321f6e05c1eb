package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"compass-ng/internal/rotation"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "compass: {}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	c := cfg.Compass
	if c.Backend != "dev" || c.Bus() != 1 || c.Address != 0x1E {
		t.Fatalf("compass=%+v want dev bus 1 addr 0x1E", c)
	}
	if c.Interval != 100*time.Millisecond || c.AccumulateInterval != 20*time.Millisecond {
		t.Fatalf("interval=%s accumulate=%s", c.Interval, c.AccumulateInterval)
	}
	if c.Rotation() != rotation.None {
		t.Fatalf("rotation=%v want none", c.Rotation())
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" || cfg.Log.SerialBaud != 115200 {
		t.Fatalf("log=%+v", cfg.Log)
	}
	// Simulator defaults should be populated even if sim is absent.
	if cfg.Sim.Variant != "5883l" || cfg.Sim.Field != [3]float64{300, 0, 450} {
		t.Fatalf("sim=%+v", cfg.Sim)
	}
	// MQTT stays off without a broker.
	if cfg.MQTT.Topic != "" {
		t.Fatalf("mqtt topic=%q want empty", cfg.MQTT.Topic)
	}
}

func TestLoad_I2CBusZeroIsKept(t *testing.T) {
	path := writeTempConfig(t, "compass:\n  i2c_bus: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.Compass.Bus(); got != 0 {
		t.Fatalf("i2c_bus=%d want 0", got)
	}
}

func TestLoad_TinyGoBackendAccepted(t *testing.T) {
	path := writeTempConfig(t, "compass:\n  backend: tinygo\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Compass.Backend != "tinygo" {
		t.Fatalf("backend=%q want tinygo", cfg.Compass.Backend)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Compass.Backend != "dev" {
		t.Fatalf("backend=%q want dev", cfg.Compass.Backend)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTempConfig(t, `
compass:
  backend: periph
  i2c_bus: 3
  address: 0x1E
  orientation: roll_180_yaw_90
  offset: [10, -5, 2.5]
  interval: 200ms
  accumulate_interval: 15ms
udp:
  dest: '192.168.10.255:4000'
mqtt:
  broker: 'tcp://localhost:1883'
status_led:
  gpio: 17
log:
  level: debug
  format: json
  serial_port: /dev/ttyAMA0
  serial_baud: 57600
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Compass.Rotation() != rotation.Roll180Yaw90 {
		t.Fatalf("rotation=%v", cfg.Compass.Rotation())
	}
	if cfg.Compass.Offset != [3]float64{10, -5, 2.5} {
		t.Fatalf("offset=%v", cfg.Compass.Offset)
	}
	if cfg.MQTT.Topic != "compass/mag" || cfg.MQTT.ClientID != "compass-ng" {
		t.Fatalf("mqtt=%+v", cfg.MQTT)
	}
	if cfg.StatusLED.GPIO != 17 || cfg.Log.SerialBaud != 57600 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"Backend", "compass:\n  backend: spi\n", "compass.backend must be dev, periph, tinygo or sim"},
		{"Address", "compass:\n  address: 0x80\n", "compass.address must be a 7-bit i2c address"},
		{"Bus", "compass:\n  i2c_bus: -1\n", "compass.i2c_bus must be >= 0"},
		{"Orientation", "compass:\n  orientation: yaw_10\n", "compass.orientation \"yaw_10\" is not a known rotation"},
		{"Accumulate", "compass:\n  interval: 10ms\n  accumulate_interval: 20ms\n", "compass.accumulate_interval must be <= compass.interval"},
		{"LED", "status_led:\n  gpio: -2\n", "status_led.gpio must be >= 0"},
		{"Level", "log:\n  level: loud\n", "log.level \"loud\" is not a valid level"},
		{"Format", "log:\n  format: xml\n", "log.format must be text or json"},
		{"FailEvery", "sim:\n  fail_every: -1\n", "sim.fail_every must be >= 0"},
		{"SimVariant", "compass:\n  backend: sim\nsim:\n  variant: qmc5883\n", "sim.variant must be 5843 or 5883l"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.body)
			_, err := Load(path)
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "compass:\n  backend: sim\n  mode: continuous\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field mode not found in type config.CompassConfig")
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}
