package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"ipsentry/internal/config"
	"ipsentry/internal/metrics"
	"ipsentry/internal/model"
	"ipsentry/internal/storage"
)

// Manager purges aged rows from the store. Security-relevant rows always
// survive for the extended horizon.
type Manager struct {
	store  storage.Store
	cfg    atomic.Value
	logger *slog.Logger
	prom   *metrics.Collectors
	now    func() time.Time
}

func NewManager(store storage.Store, cfg config.RetentionConfig, logger *slog.Logger, prom *metrics.Collectors) *Manager {
	m := &Manager{store: store, logger: logger, prom: prom, now: func() time.Time { return time.Now().UTC() }}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) UpdateConfig(cfg config.RetentionConfig) {
	m.cfg.Store(cfg)
}

func (m *Manager) config() config.RetentionConfig {
	return m.cfg.Load().(config.RetentionConfig)
}

// Purge deletes ordinary rows older than keep.
func (m *Manager) Purge(ctx context.Context, keep time.Duration) (model.PurgeResult, error) {
	cfg := m.config()
	if m.store == nil {
		return model.PurgeResult{ExtendedRetention: cfg.ExtendedRetention.String()},
			fmt.Errorf("%w: storage is not configured", storage.ErrUnavailable)
	}
	if keep < 0 {
		keep = 0
	}
	res, err := m.store.Purge(ctx, storage.PurgePolicy{
		Keep:        keep,
		Extended:    cfg.ExtendedRetention,
		SevereScore: cfg.SevereScore,
		Now:         m.now(),
	})
	if err != nil {
		m.prom.ObserveStoreError("purge")
		return res, err
	}
	m.prom.ObservePurge("events", res.EventsDeleted+res.OldErrorsDeleted)
	m.prom.ObservePurge("features", res.FeaturesDeleted)
	m.prom.ObservePurge("actions", res.ActionsDeleted+res.OldAnomaliesDeleted)
	return res, nil
}

// PurgeDefault applies the configured keep_hours.
func (m *Manager) PurgeDefault(ctx context.Context) (model.PurgeResult, error) {
	return m.Purge(ctx, hours(m.config().KeepHours))
}

// AfterFit runs the short post-fit purge when enabled. Failures are logged.
func (m *Manager) AfterFit(ctx context.Context) {
	cfg := m.config()
	if !cfg.PurgeAfterFit || m.store == nil {
		return
	}
	res, err := m.Purge(ctx, cfg.KeepAfterFit)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("post-fit purge failed", "err", err)
		}
		return
	}
	if m.logger != nil {
		m.logger.Info("post-fit purge",
			"events_deleted", res.EventsDeleted,
			"features_deleted", res.FeaturesDeleted,
			"actions_deleted", res.ActionsDeleted,
			"old_errors_deleted", res.OldErrorsDeleted,
			"old_anomalies_deleted", res.OldAnomaliesDeleted,
		)
	}
}

// Run purges on the configured cron schedule until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	spec := m.config().Schedule
	if spec == "" || m.store == nil {
		<-ctx.Done()
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		res, err := m.PurgeDefault(ctx)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("scheduled purge failed", "err", err)
			}
			return
		}
		if m.logger != nil {
			m.logger.Info("scheduled purge", "events_deleted", res.EventsDeleted, "features_deleted", res.FeaturesDeleted, "actions_deleted", res.ActionsDeleted)
		}
	}); err != nil {
		return fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
