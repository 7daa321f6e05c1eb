package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"compass-ng/internal/config"
	"compass-ng/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("compass-ng", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "./dev.yaml", "Path to YAML config (empty for defaults)")
	simMode := fs.Bool("sim", false, "Use the simulated magnetometer instead of compass.backend")
	once := fs.Bool("once", false, "Initialise, take one sample, print it as JSON and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfg config.Config
	var err error
	if *configPath == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		fmt.Fprintf(stderr, "config load failed: %v\n", err)
		return 1
	}
	if *simMode {
		cfg.Compass.Backend = "sim"
	}

	log, logCloser, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		SerialPort: cfg.Log.SerialPort,
		SerialBaud: cfg.Log.SerialBaud,
	}, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "logging init failed: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	if *once {
		svc, err := newService(cfg, log, false)
		if err != nil {
			log.WithError(err).Error("compass setup failed")
			return 1
		}
		defer svc.Close()
		if err := svc.Open(); err != nil {
			log.WithError(err).Error("magnetometer init failed")
			return 1
		}
		sample, ok := svc.Step()
		if !ok {
			log.WithField("error", svc.Snapshot().LastError).Error("no sample")
			return 1
		}
		enc := json.NewEncoder(stdout)
		if err := enc.Encode(sample); err != nil {
			log.WithError(err).Error("encode sample")
			return 1
		}
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := newService(cfg, log, true)
	if err != nil {
		log.WithError(err).Error("compass setup failed")
		return 1
	}
	defer svc.Close()

	log.WithFields(logrus.Fields{
		"backend":  cfg.Compass.Backend,
		"interval": cfg.Compass.Interval,
	}).Info("compass-ng starting")
	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Error("magnetometer init failed")
		return 1
	}

	<-ctx.Done()
	snap := svc.Snapshot()
	log.WithFields(logrus.Fields{
		"updates":     snap.Updates,
		"failures":    snap.Failures,
		"bus_errors":  snap.BusErrors,
		"retries":     snap.Retries,
		"sink_errors": snap.SinkErrors,
	}).Info("compass-ng stopping")
	return 0
}
