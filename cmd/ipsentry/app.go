package main

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ipsentry/internal/actions"
	"ipsentry/internal/config"
	"ipsentry/internal/detector"
	"ipsentry/internal/export"
	"ipsentry/internal/logging"
	"ipsentry/internal/metrics"
	"ipsentry/internal/retention"
	"ipsentry/internal/storage"
)

type app struct {
	cfg       *config.Manager
	logger    *slog.Logger
	flush     func() error
	registry  *prometheus.Registry
	store     storage.Store
	exporter  export.Exporter
	actions   *actions.Store
	snapshots *metrics.Store
	retention *retention.Manager
	detector  *detector.Detector
}

func newApp(path string) (*app, error) {
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	logger, flush := logging.NewLogger(cfg.LogLevel)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewCollectors(registry)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Warn("storage disabled", "driver", cfg.Storage.Driver, "err", err)
		store = nil
	} else if store != nil {
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var sinks export.Multi
	if cfg.Export.ActionsPath != "" {
		sinks = append(sinks, export.NewFileExporter(cfg.Export.ActionsPath))
	}
	if cfg.Export.Kafka.Enabled {
		sinks = append(sinks, export.NewKafkaExporter(cfg.Export.Kafka))
		logger.Info("kafka export enabled", "brokers", cfg.Export.Kafka.Brokers, "topic", cfg.Export.Kafka.Topic)
	}

	acts := actions.NewStore(cfg.Actions.StoreLimit)
	snaps := metrics.NewStore(cfg.Snapshots.StoreLimit)
	ret := retention.NewManager(store, cfg.Retention, logger, prom)
	det := detector.New(cfg, detector.Options{
		Store:     store,
		Exporter:  sinks,
		Actions:   acts,
		Snapshots: snaps,
		Metrics:   prom,
		Retention: ret,
		Logger:    logger,
	})
	return &app{
		cfg:       mgr,
		logger:    logger,
		flush:     flush,
		registry:  registry,
		store:     store,
		exporter:  sinks,
		actions:   acts,
		snapshots: snaps,
		retention: ret,
		detector:  det,
	}, nil
}

func (a *app) close() {
	if a.exporter != nil {
		if err := a.exporter.Close(); err != nil {
			a.logger.Warn("exporter close failed", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "err", err)
		}
	}
	_ = a.flush()
}
