// Command ctbic runs the closed-loop controller: it acquires from the
// implant (simulated or replayed), republishes the stream, records sessions
// and fires stimulation when the monitored control stream crosses the
// threshold.
//
// Usage:
//
//	ctbic -config config.yaml            # serve commands on server.addr
//	ctbic -config config.yaml -record -listen
//
//	curl -X POST localhost:8080/cmd/start
//	curl -X POST localhost:8080/cmd/listen
//	curl localhost:8080/status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ct-bic/internal/broadcast"
	"ct-bic/internal/config"
	"ct-bic/internal/device"
	"ct-bic/internal/logger"
	"ct-bic/internal/manager"
	"ct-bic/internal/metrics"
	"ct-bic/internal/server"
	"ct-bic/internal/state"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	listen := flag.Bool("listen", false, "Listen for the trigger at startup")
	record := flag.Bool("record", false, "Start a recording session at startup")
	flag.Parse()

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator((*config.Config).Validate).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	defer log.Sync()

	if err := run(cfg, log, *record, *listen); err != nil {
		log.Error("ctbic exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("ctbic stopped")
}

func run(cfg *config.Config, log *zap.Logger, record, listen bool) error {
	log.Info("starting ctbic",
		zap.String("version", Version),
		zap.String("device", cfg.Device.Kind),
		zap.String("stream", cfg.Stream.Name),
		zap.String("addr", cfg.Server.Addr))

	var (
		collector *metrics.Collector
		gatherer  prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, log)
		gatherer = reg
	}

	dev, err := openDevice(cfg, log)
	if err != nil {
		return err
	}

	outlets := broadcast.NewServer(broadcast.WithLogger(log))
	mgr, err := manager.New(cfg, dev, outlets, manager.WithLogger(log), manager.WithMetrics(collector))
	if err != nil {
		outlets.Close()
		return err
	}
	if err := mgr.InitStimCommands(nil); err != nil {
		log.Warn("stimulation not preloaded", zap.Error(err))
	}

	api := server.NewAPI(mgr, cfg.Server, log)
	httpServer := server.NewManager(server.NewHandler(api, outlets, gatherer, log), server.ConfigFrom(cfg.Server), log)
	if err := httpServer.Start(); err != nil {
		_ = mgr.Close()
		outlets.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if record {
		if err := mgr.StartRecording(ctx); err != nil {
			log.Error("failed to start recording", zap.Error(err))
		}
	}
	if listen {
		if err := mgr.ListenForTrigger(ctx); err != nil {
			log.Error("failed to listen for trigger", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-httpServer.Errors():
			return err
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		err := errors.Join(httpServer.Shutdown(context.Background()), mgr.Close())
		outlets.Close()
		return err
	})
	return g.Wait()
}

func openDevice(cfg *config.Config, log *zap.Logger) (device.Device, error) {
	switch cfg.Device.Kind {
	case "replay":
		samples, err := state.LoadFromCSV(cfg.Device.ReplayPath, cfg.Stream.ChannelCount, 0, log)
		if err != nil {
			return nil, fmt.Errorf("load replay %s: %w", cfg.Device.ReplayPath, err)
		}
		if len(samples) == 0 {
			return nil, fmt.Errorf("replay %s has no samples", cfg.Device.ReplayPath)
		}
		log.Info("replaying recording", zap.String("path", cfg.Device.ReplayPath), zap.Int("samples", len(samples)))
		return device.NewReplay(samples, cfg.Stream.SampleRate, cfg.Device.ReplayLoop, log), nil
	default:
		sim := device.DefaultSimulatorConfig()
		sim.Channels = cfg.Stream.ChannelCount
		sim.SampleRate = cfg.Stream.SampleRate
		sim.BatchSize = cfg.Device.BatchSize
		sim.DropEvery = cfg.Device.DropEvery
		return device.NewSimulator(sim, log), nil
	}
}
