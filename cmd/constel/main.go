// Command constel runs the constellation controller daemon: it maintains
// sessions to the configured device agents, accepts constellations over
// the operator gateway, and drives them to completion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/orbital/constel/internal/audit"
	"github.com/orbital/constel/internal/bus"
	"github.com/orbital/constel/internal/config"
	"github.com/orbital/constel/internal/connmgr"
	"github.com/orbital/constel/internal/control"
	"github.com/orbital/constel/internal/dispatcher"
	"github.com/orbital/constel/internal/executor"
	"github.com/orbital/constel/internal/gateway"
	"github.com/orbital/constel/internal/journal"
	otelPkg "github.com/orbital/constel/internal/otel"
	"github.com/orbital/constel/internal/registry"
	"github.com/orbital/constel/internal/sweep"
	"github.com/orbital/constel/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	var (
		homeDir     = flag.String("home", defaultHome(), "controller home directory (config, logs, journal)")
		quiet       = flag.Bool("quiet", false, "log to file only, not stdout")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("constel", Version)
		return
	}

	if err := run(*homeDir, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "constel:", err)
		os.Exit(1)
	}
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".constel")
	}
	return ".constel"
}

func run(homeDir string, quiet bool) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, quiet || cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(homeDir); err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	b := bus.NewWithOptions(cfg.EventBusSubscriberBuffer, logger)
	b.SetDropHook(func(string) {
		metrics.BusDroppedEvents.Add(context.Background(), 1)
	})
	reg := registry.New(b, logger)

	exec := executor.New(executor.Config{
		Registry:          reg,
		Dispatcher:        dispatcher.New(reg, logger),
		Bus:               b,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		CancelGrace:       cfg.CancelGrace.D(),
		ReadyPollInterval: cfg.DispatchReadyPollInterval.D(),
	})
	mgr := connmgr.New(connmgr.Config{
		Registry:          reg,
		Logger:            logger,
		ControllerID:      "constel-controller",
		Tracer:            otelProvider.Tracer,
		HeartbeatInterval: cfg.HeartbeatInterval.D(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout.D(),
		ReconnectDelay:    cfg.ReconnectDelay.D(),
		HandshakeTimeout:  cfg.HandshakeTimeout.D(),
		OnResult:          exec.HandleResult,
		OnDeviceLost:      exec.HandleDeviceLost,
		OnDeviceIdle:      exec.HandleDeviceIdle,
	})
	defer mgr.Shutdown()
	exec.SetClient(mgr)

	go meterEvents(ctx, b, metrics)

	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		go j.Consume(ctx, b)
		logger.Info("journal enabled", "path", cfg.Journal.Path)
	}

	sweeper, err := sweep.New(sweep.Config{
		Registry:         reg,
		Disconnector:     mgr,
		Logger:           logger,
		Schedule:         cfg.SweepSchedule,
		HeartbeatTimeout: cfg.HeartbeatTimeout.D(),
	})
	if err != nil {
		return fmt.Errorf("init sweeper: %w", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	api := control.New(ctx, control.Config{
		Registry: reg,
		Executor: exec,
		Manager:  mgr,
		Bus:      b,
		Logger:   logger,
	})

	// Register and connect the statically configured fleet.
	for _, d := range cfg.Devices {
		deviceID, err := api.RegisterDevice(control.DeviceConfig{
			DeviceID:     d.DeviceID,
			ServerURL:    d.ServerURL,
			OS:           d.OS,
			Capabilities: d.Capabilities,
			Metadata:     d.Metadata,
			MaxRetries:   orDefault(d.MaxRetries, cfg.DefaultMaxRetries),
			AutoConnect:  true,
		})
		if err != nil {
			logger.Error("configured device failed to register", "device_id", d.DeviceID, "error", err)
			continue
		}
		audit.Record("device.register", deviceID, "ok", d.ServerURL)
	}

	// Hot reload: timing knobs apply live, everything else needs a restart.
	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load(homeDir)
				if err != nil {
					logger.Error("config reload rejected", "error", err)
					continue
				}
				mgr.SetTimings(fresh.HeartbeatInterval.D(), fresh.HeartbeatTimeout.D(), fresh.ReconnectDelay.D())
				sweeper.SetHeartbeatTimeout(fresh.HeartbeatTimeout.D())
				logger.Info("config reloaded",
					"heartbeat_interval", fresh.HeartbeatInterval.D(),
					"heartbeat_timeout", fresh.HeartbeatTimeout.D(),
					"reconnect_delay", fresh.ReconnectDelay.D())
			}
		}()
	}

	logger.Info("constel controller starting", "version", Version,
		"devices", len(cfg.Devices), "gateway", cfg.Gateway.Enabled)

	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.Config{
			API:          api,
			Bus:          b,
			Journal:      j,
			Logger:       logger,
			Tracer:       otelProvider.Tracer,
			AuthToken:    cfg.Gateway.AuthToken,
			AllowOrigins: cfg.Gateway.AllowOrigins,
		})
		logger.Info("gateway listening", "addr", cfg.Gateway.ListenAddr)
		if err := gateway.Serve(ctx, cfg.Gateway.ListenAddr, gw); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}

	<-ctx.Done()
	logger.Info("constel controller stopping")
	return nil
}

// meterEvents folds bus traffic into the OTel instruments.
func meterEvents(ctx context.Context, b *bus.Bus, m *otelPkg.Metrics) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.DeviceRegisteredEvent:
				m.DevicesRegistered.Add(ctx, 1)
			case bus.DeviceDeregisteredEvent:
				m.DevicesRegistered.Add(ctx, -1)
			case bus.DeviceStatusChangedEvent:
				if p.NewStatus == "IDLE" && p.OldStatus == "REGISTERING" {
					m.DevicesConnected.Add(ctx, 1)
				}
				if p.OldStatus != "DISCONNECTED" && p.OldStatus != "CONNECTING" &&
					(p.NewStatus == "DISCONNECTED" || p.NewStatus == "FAILED") {
					m.DevicesConnected.Add(ctx, -1)
				}
				if p.NewStatus == "CONNECTING" {
					m.ReconnectAttempts.Add(ctx, 1)
				}
			case bus.TaskDispatchedEvent:
				m.TasksDispatched.Add(ctx, 1)
			case bus.TaskResultEvent:
				switch p.Status {
				case "COMPLETED":
					m.TasksCompleted.Add(ctx, 1)
				case "FAILED":
					m.TasksFailed.Add(ctx, 1)
				case "CANCELLED":
					m.TasksCancelled.Add(ctx, 1)
				}
			}
		}
	}
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
