// Command ctrlsignal publishes the closed-loop test pattern as the monitored
// control stream: a 1-channel stream that is 0 except for one-second plateaus
// at the -level value in seconds 2, 4, 6 and 8 of every 10 s period.
//
//	ctrlsignal -addr 127.0.0.1:8090 -level 150
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ct-bic/internal/broadcast"
	"ct-bic/internal/config"
	"ct-bic/internal/device"
	"ct-bic/internal/logger"
	"ct-bic/internal/model"
	"ct-bic/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (control and log sections are used)")
	addr := flag.String("addr", "127.0.0.1:8090", "Listen address")
	level := flag.Float64("level", 150, "Plateau value")
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log).With(zap.String("component", "ctrlsignal"))
	defer log.Sync()

	if err := run(cfg.Control, *addr, *level, log); err != nil {
		log.Error("ctrlsignal exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cc config.ControlConfig, addr string, level float64, log *zap.Logger) error {
	rate := int(cc.SampleRate)
	if rate <= 0 {
		return fmt.Errorf("control sample rate must be positive, got %v", cc.SampleRate)
	}

	outlets := broadcast.NewServer(broadcast.WithLogger(log))
	defer outlets.Close()
	outlet, err := outlets.Outlet(model.StreamInfo{
		Name:         cc.StreamName,
		Type:         "control",
		ChannelCount: 1,
		SampleRate:   float64(rate),
		Format:       model.FormatFloat64,
		SourceID:     cc.StreamName + "_pattern",
	}, 1)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	outlets.Register(mux)
	scfg := server.ConfigFrom(config.DefaultServerConfig())
	scfg.Addr = addr
	httpServer := server.NewManager(mux, scfg, log)
	if err := httpServer.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		publish(gctx, outlet, device.ControlPattern(rate, level), rate, log)
		return nil
	})
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
		return httpServer.Shutdown(context.Background())
	})

	log.Info("publishing control pattern",
		zap.String("stream", cc.StreamName),
		zap.String("addr", httpServer.Addr()),
		zap.Int("rate", rate),
		zap.Float64("level", level))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// publish pushes one pattern value per sample period, looping the pattern.
func publish(ctx context.Context, outlet *broadcast.Outlet, pattern []float64, rate int, log *zap.Logger) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	var n int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s := model.Sample{Values: []float64{pattern[n%int64(len(pattern))]}, Counter: n}
		if err := outlet.PushSample(s); err != nil {
			log.Warn("push failed", zap.Error(err))
			return
		}
		n++
	}
}
