package main

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"compass-ng/internal/clock"
	"compass-ng/internal/compass"
	"compass-ng/internal/config"
	"compass-ng/internal/mqtt"
	"compass-ng/internal/sim"
	"compass-ng/internal/statusled"
	"compass-ng/internal/udp"
)

// newService wires the configured bus and, when withOutputs is set, the UDP,
// MQTT and LED outputs.
func newService(cfg config.Config, log logrus.FieldLogger, withOutputs bool) (*compass.Service, error) {
	c := cfg.Compass
	scfg := compass.Config{
		Backend:            c.Backend,
		I2CBus:             c.Bus(),
		Address:            c.Address,
		Orientation:        c.Rotation(),
		Offset:             r3.Vector{X: c.Offset[0], Y: c.Offset[1], Z: c.Offset[2]},
		Interval:           c.Interval,
		AccumulateInterval: c.AccumulateInterval,
		Clock:              clock.NewSystem(),
		Log:                log,
	}
	if c.Backend == "sim" {
		chip, err := newSimChip(cfg.Sim)
		if err != nil {
			return nil, err
		}
		chip.Addr = c.Address
		scfg.Bus = chip
		log.WithFields(logrus.Fields{"variant": chip.Variant, "period": chip.Period}).Info("using simulated magnetometer")
	}

	if !withOutputs {
		return compass.New(scfg, nil, nil), nil
	}
	sinks, err := newSinks(cfg, log)
	if err != nil {
		return nil, err
	}
	return compass.New(scfg, sinks, newLED(cfg.StatusLED, log)), nil
}

func newSimChip(sc config.SimConfig) (*sim.Chip, error) {
	chip, err := sim.NewChip(sc.Variant)
	if err != nil {
		return nil, err
	}
	chip.Field = r3.Vector{X: sc.Field[0], Y: sc.Field[1], Z: sc.Field[2]}
	chip.Period = sc.Period
	chip.FailEvery = sc.FailEvery
	chip.Loop = sc.Loop
	if sc.Scenario != "" {
		script, err := sim.LoadScenarioScript(sc.Scenario)
		if err != nil {
			return nil, fmt.Errorf("sim scenario: %w", err)
		}
		scn, err := sim.NewScenario(script)
		if err != nil {
			return nil, fmt.Errorf("sim scenario %s: %w", sc.Scenario, err)
		}
		chip.Scenario = scn
	}
	return chip, nil
}

func newSinks(cfg config.Config, log logrus.FieldLogger) ([]compass.Sink, error) {
	var sinks []compass.Sink
	if cfg.UDP.Dest != "" {
		b, err := udp.NewBroadcaster(cfg.UDP.Dest)
		if err != nil {
			return nil, fmt.Errorf("udp broadcaster init failed: %w", err)
		}
		log.WithField("dest", cfg.UDP.Dest).Info("udp output enabled")
		sinks = append(sinks, b)
	}
	if cfg.MQTT.Broker != "" {
		// The broker may come up later; run without it rather than refuse to start.
		p, err := newMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.Topic, cfg.MQTT.ClientID)
		if err != nil {
			log.WithError(err).Warn("mqtt output disabled")
		} else {
			log.WithFields(logrus.Fields{"broker": cfg.MQTT.Broker, "topic": cfg.MQTT.Topic}).Info("mqtt output enabled")
			sinks = append(sinks, p)
		}
	}
	return sinks, nil
}

var newMQTTPublisher = func(broker, topic, clientID string) (compass.Sink, error) {
	return mqtt.NewPublisher(broker, topic, clientID)
}

func newLED(lc config.StatusLEDConfig, log logrus.FieldLogger) compass.Indicator {
	if lc.GPIO <= 0 {
		return nil
	}
	led, err := statusled.Open(lc.GPIO)
	if err != nil {
		log.WithError(err).Warn("status led disabled")
		return nil
	}
	return led
}
