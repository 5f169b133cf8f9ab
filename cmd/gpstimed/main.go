// Command gpstimed disciplines system time from GNSS receivers. It decodes
// NMEA sentences and PPS edges, correlates them into reference/local clock
// sample pairs, publishes the pairs to ntpd shared memory refclock units,
// and streams them to gpsd protocol clients.
//
// Devices normally come from a YAML config:
//
//	gpstimed -config /etc/gpstimed.yaml
//
// A single receiver can be run without one:
//
//	gpstimed -pps /dev/pps0 /dev/ttyAMA0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gpstimed/internal/config"
	"gpstimed/internal/correlator"
	"gpstimed/internal/device"
	"gpstimed/internal/gpsd"
	"gpstimed/internal/hub"
	"gpstimed/internal/logging"
	"gpstimed/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		ppsPath    string
		baud       int
		framing    string
		flow       string
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config")
	flag.StringVar(&ppsPath, "pps", "", "PPS device path (single-device mode)")
	flag.IntVar(&baud, "baud", 38400, "baud rate (single-device mode)")
	flag.StringVar(&framing, "framing", "8N1", "data bits, parity, stop bits (single-device mode)")
	flag.StringVar(&flow, "flow", "N", "flow control: N, H or S (single-device mode)")
	flag.Parse()

	cfg, err := buildConfig(configPath, flag.Args(), ppsPath, baud, framing, flow)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpstimed: %v\n", err)
		return 2
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	samples := hub.New[correlator.Sample]()
	defer samples.Close()

	sup, err := device.NewSupervisor(cfg.GPS, samples, log)
	if err != nil {
		log.Error().Err(err).Msg("device setup failed")
		return 1
	}
	defer sup.Close()

	srv := gpsd.New(gpsd.Config{
		Binds:   cfg.Gpsd.Bind,
		Port:    cfg.Gpsd.Port,
		Devices: deviceInfos(cfg.GPS),
	}, samples, log)
	if err := srv.Listen(); err != nil {
		log.Error().Err(err).Msg("protocol listener failed")
		return 1
	}

	reg, err := metrics.NewRegistry(metrics.NewCollector(sup.Health, func() metrics.ServerHealth {
		st := srv.Stats()
		return metrics.ServerHealth{
			ActiveSessions: st.ActiveSessions,
			Accepted:       st.Accepted,
			BadCommands:    st.BadCommands,
			SamplesDropped: st.SamplesDropped,
		}
	}))
	if err != nil {
		log.Error().Err(err).Msg("metrics registry failed")
		return 1
	}

	if err := sup.Start(ctx); err != nil {
		log.Error().Err(err).Msg("supervisor start failed")
		return 1
	}
	log.Info().Int("devices", len(cfg.GPS)).Msg("gpstimed started")

	errCh := make(chan error, 1+len(cfg.Metrics.Bind))
	go func() { errCh <- srv.Serve(ctx) }()
	for _, addr := range cfg.Metrics.Bind {
		go func() { errCh <- metrics.Serve(ctx, addr, reg, log) }()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down on signal")
		return 0
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			return 1
		}
		return 0
	}
}

// buildConfig resolves the two start modes: a config file, or one device
// named on the command line with receipt and pulse on shm units 0 and 1.
func buildConfig(path string, args []string, ppsPath string, baud int, framing, flow string) (config.Config, error) {
	switch {
	case path != "" && len(args) > 0:
		return config.Config{}, fmt.Errorf("-config and a device argument are mutually exclusive")
	case path != "":
		return config.Load(path)
	case len(args) > 1:
		return config.Config{}, fmt.Errorf("expected one device path, got %d", len(args))
	case len(args) == 0:
		return config.Config{}, fmt.Errorf("a -config file or a device path is required")
	}

	receipt, pulse := 0, 1
	dev := config.Device{
		Device:      args[0],
		Baud:        baud,
		Framing:     framing,
		FlowControl: flow,
		ShmUnit:     &receipt,
	}
	if ppsPath != "" {
		dev.PPS = &config.PPS{Device: ppsPath, ShmUnit: &pulse}
	}
	cfg := config.Config{GPS: []config.Device{dev}}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func deviceInfos(devs []config.Device) []gpsd.DeviceInfo {
	out := make([]gpsd.DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, gpsd.DeviceInfo{
			Name:     d.Name,
			Path:     d.Device,
			Baud:     d.Baud,
			Parity:   d.Framing[1:2],
			Stopbits: d.Framing[2:3],
		})
	}
	return out
}
