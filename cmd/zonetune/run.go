package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nrgchamp/zonetune/internal/config"
	"nrgchamp/zonetune/internal/engine"
	"nrgchamp/zonetune/internal/httpapi"
	"nrgchamp/zonetune/internal/kafkaio"
	"nrgchamp/zonetune/internal/logging"
	"nrgchamp/zonetune/internal/metrics"
	"nrgchamp/zonetune/internal/mqttio"
	"nrgchamp/zonetune/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller daemon for all configured zones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lg, logCloser := logging.Init(cfg.LogDir)
	defer logCloser.Close()
	lg.Info("zonetune starting",
		slog.Int("zones", len(cfg.Zones)),
		slog.String("executeMode", cfg.ExecuteMode))

	db, err := store.Open(cfg.StorePath, lg)
	if err != nil {
		return err
	}
	defer db.Close()

	inst := metrics.New()

	bus, err := kafkaio.New(kafkaio.Config{
		Brokers:       cfg.Kafka.Brokers,
		SamplesTopic:  cfg.Kafka.SamplesTopic,
		CommandPrefix: cfg.Kafka.CommandPrefix,
		LedgerPrefix:  cfg.Kafka.LedgerPrefix,
		Zones:         cfg.ZoneIDs(),
	}, lg)
	if err != nil {
		return err
	}
	defer bus.Close()

	var cmds engine.CommandSink = bus
	if cfg.ExecuteMode == "mqtt" {
		pub, err := mqttio.New(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix, lg)
		if err != nil {
			return err
		}
		defer pub.Close()
		cmds = pub
	}

	engines := map[string]*engine.Engine{}
	now := time.Now()
	for _, zc := range cfg.Zones {
		props, err := zc.Props()
		if err != nil {
			return err
		}
		eng := engine.New(engine.Config{
			ZoneID:           zc.ID,
			Props:            props,
			SetpointC:        zc.SetpointC,
			CyclingThreshold: zc.CyclingThreshold,
			StaleTimeout:     cfg.SampleStaleTimeout.Std(),
			PauseDecayPerMin: cfg.PauseDecayPerMin,
			ReplayHistory:    zc.ReplayHistory,
		}, cmds, bus, db, inst, lg)

		snap, found, err := db.Load(zc.ID)
		if err != nil {
			lg.Error("snapshot load failed, starting fresh",
				slog.String("zone", zc.ID), slog.Any("err", err))
			found = false
		}
		var restore *store.Snapshot
		if found {
			restore = &snap
		}
		if err := eng.Bootstrap(restore, now); err != nil {
			return fmt.Errorf("bootstrap zone %s: %w", zc.ID, err)
		}
		engines[zc.ID] = eng
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for id, eng := range engines {
		id, eng := id, eng
		go func() {
			if err := bus.Consume(ctx, id, eng); err != nil {
				lg.Error("consume loop exited", slog.String("zone", id), slog.Any("err", err))
			}
		}()
		go func() {
			ticker := time.NewTicker(cfg.TickInterval.Std())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					eng.OnTick(ctx, t)
				}
			}
		}()
	}

	// Reload re-reads the config file and applies setpoint changes to the
	// running zones. Topology changes (zones added or removed) need a restart.
	reload := func() error {
		next, err := config.Load(configPath)
		if err != nil {
			return err
		}
		for _, zc := range next.Zones {
			eng, ok := engines[zc.ID]
			if !ok {
				lg.Warn("reload: new zone needs a restart to take effect", slog.String("zone", zc.ID))
				continue
			}
			eng.SetSetpoint(zc.SetpointC)
		}
		return nil
	}

	api := httpapi.New(engines, inst.Handler(), reload, lg)
	srv := &http.Server{Addr: cfg.HTTPBind, Handler: api.Router()}
	go func() {
		lg.Info("http listening", slog.String("bind", cfg.HTTPBind))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("http server failed", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Final synchronous snapshot for every zone before the store closes.
	final := time.Now()
	for _, eng := range engines {
		db.Save(eng.Snapshot(final))
	}
	db.Flush()
	lg.Info("shutdown complete")
	return nil
}
