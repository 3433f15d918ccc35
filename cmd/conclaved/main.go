// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Conclaved is the meeting control-plane daemon. It registers with
// the orchestration service, accepts meeting assignments, and runs
// one meeting worker per hosted meeting with fenced durable state.
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

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bureau-foundation/conclave/config"
	"github.com/bureau-foundation/conclave/controller"
	"github.com/bureau-foundation/conclave/fence"
	"github.com/bureau-foundation/conclave/lib/clock"
	"github.com/bureau-foundation/conclave/lib/secret"
	"github.com/bureau-foundation/conclave/lib/version"
	"github.com/bureau-foundation/conclave/telemetry"
	"github.com/bureau-foundation/conclave/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "path to config file (required unless CONCLAVE_CONFIG is set)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("conclaved %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("starting conclaved",
		"version", version.Info(),
		"instance_id", cfg.Instance.ID,
		"region", cfg.Instance.Region,
		"capacity", cfg.Instance.Capacity,
	)

	master, err := secret.ReadFromPath(cfg.Secrets.MasterSecretPath)
	if err != nil {
		return fmt.Errorf("loading master secret: %w", err)
	}
	defer master.Close()

	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name("conclaved-"+cfg.Instance.ID),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("initializing jetstream: %w", err)
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.NATS.KVBucket,
		Description: "conclave fenced meeting state",
	})
	if err != nil {
		return fmt.Errorf("ensuring kv bucket %s: %w", cfg.NATS.KVBucket, err)
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	natsTransport := transport.NewNATS(conn)
	ctrl, err := controller.New(controller.Config{
		InstanceID: cfg.Instance.ID,
		Master:     master,
		Store:      fence.NewClient(bucket, cfg.Instance.ID),
		Clock:      clock.Real(),
		Logger:     logger,
		Metrics:    metrics,
		Deliverer:  natsTransport,
		Subscriber: natsTransport,
		Capacity:   cfg.Instance.Capacity,
	})
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	ctrl.Start(ctx)

	assignments := controller.NewAssignmentHandler(ctrl, logger)
	subscription, err := assignments.Subscribe(ctx, conn, cfg.Instance.ID)
	if err != nil {
		return fmt.Errorf("subscribing to assignments: %w", err)
	}
	defer subscription.Unsubscribe()

	orchestration := controller.NewOrchestrationLoop(controller.OrchestrationConfig{
		Client:     controller.NewNATSOrchestratorClient(conn),
		Controller: ctrl,
		Clock:      clock.Real(),
		Logger:     logger,
		Metrics:    metrics,
		InstanceID: cfg.Instance.ID,
		Region:     cfg.Instance.Region,
		Endpoint:   cfg.Instance.Endpoint,
		Capacity:   cfg.Instance.Capacity,
	})
	go orchestration.Run(ctx)

	<-ctx.Done()
	logger.Info("received shutdown signal, draining")

	// Stop taking assignments, then cancel the worker tree and give
	// it a bounded window to drain.
	ctrl.SetDraining(true)
	subscription.Unsubscribe()
	ctrl.Shutdown()

	select {
	case <-ctrl.Done():
		logger.Info("drained cleanly")
	case <-time.After(cfg.DrainDuration()):
		logger.Warn("drain timeout exceeded, exiting", "timeout", cfg.DrainTimeout)
	}
	return nil
}
