// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/config"
	"github.com/nishisan-dev/n-recorder/internal/control"
	"github.com/nishisan-dev/n-recorder/internal/logging"
	"github.com/nishisan-dev/n-recorder/internal/lsl"
	"github.com/nishisan-dev/n-recorder/internal/recorder"
	"github.com/nishisan-dev/n-recorder/internal/upload"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	filename := flag.String("filename", "", "output filename or template spec")
	port := flag.Int("port", 0, "control server port (overrides config)")
	noControl := flag.Bool("no-control", false, "disable the control server")
	sim := flag.Bool("sim", false, "use built-in simulated streams when none are configured")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if *port != 0 {
		cfg.Control.Port = *port
	}
	if *noControl {
		disabled := false
		cfg.Control.Enabled = &disabled
	}

	logger, logCloser := logging.NewLogger(logging.LoggerOptions{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	defer logCloser.Close()

	clock := lsl.NewClock()
	source, err := buildSource(cfg, clock, *sim)
	if err != nil {
		logger.Error("configuring stream source", "error", err)
		os.Exit(1)
	}

	rec := recorder.New(cfg, source, clock, logger)

	monitor := recorder.NewMonitor(cfg.Storage.Root, logger)
	monitor.Start()
	defer monitor.Stop()
	rec.SetMonitor(monitor)

	if cfg.Upload.Enabled {
		uploader, err := upload.NewUploader(context.Background(), cfg.Upload, logger)
		if err != nil {
			logger.Error("configuring uploader", "error", err)
			os.Exit(1)
		}
		rec.SetOnFinalized(func(path string) {
			if err := uploader.Upload(context.Background(), path); err != nil {
				logger.Error("upload failed", "file", path, "error", err)
			}
		})
	}

	if *filename != "" {
		if _, err := rec.SetFilename(*filename); err != nil {
			logger.Error("setting filename", "error", err)
			os.Exit(1)
		}
	}

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if len(cfg.Schedules) > 0 {
		sched, err := recorder.NewScheduler(rec, cfg.Schedules, logger)
		if err != nil {
			logger.Error("configuring scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			sched.Stop(stopCtx)
			stopCancel()
		}()
	}

	if cfg.Control.IsEnabled() {
		if err := control.NewServer(cfg.Control, rec, logger).Run(ctx); err != nil {
			shutdown(rec, logger)
			logger.Error("control server error", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("control server disabled, running until signal")
		<-ctx.Done()
	}

	shutdown(rec, logger)
}

// shutdown encerra uma gravação em andamento antes de sair, garantindo os
// footers no arquivo.
func shutdown(rec *recorder.Recorder, logger *slog.Logger) {
	if rec.State() == recorder.StateRecording {
		logger.Info("stopping in-flight recording before exit")
		if err := rec.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping recording: %v\n", err)
		}
	}
}

// buildSource monta a fonte de streams. Hoje a única implementação embutida
// é a simulada; os streams vêm do bloco simulation da config ou, com --sim,
// de um par de streams de demonstração.
func buildSource(cfg *config.Config, clock lsl.Clock, sim bool) (lsl.Source, error) {
	specs := make([]lsl.SimStreamSpec, 0, len(cfg.Simulation.Streams))
	for _, s := range cfg.Simulation.Streams {
		format, err := lsl.ParseChannelFormat(s.Format)
		if err != nil {
			return nil, err
		}
		specs = append(specs, lsl.SimStreamSpec{
			Name:     s.Name,
			Type:     s.Type,
			Channels: s.Channels,
			Format:   format,
			Srate:    s.Srate,
		})
	}

	if len(specs) == 0 {
		if !sim {
			return nil, fmt.Errorf("no streams configured: add a simulation block or pass --sim")
		}
		specs = []lsl.SimStreamSpec{
			{Name: "SimEEG", Type: "EEG", Channels: 8, Format: lsl.FormatFloat32, Srate: 250},
			{Name: "SimMarkers", Type: "Markers", Channels: 1, Format: lsl.FormatString},
		}
	}

	return lsl.NewSimSource(clock, specs...), nil
}
