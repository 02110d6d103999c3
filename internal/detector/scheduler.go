package detector

import (
	"context"
	"time"
)

// RunRetrainer retrains from the store every retrain interval over the
// configured lookback until ctx is cancelled. Failures are logged and the
// previous model is kept.
func (d *Detector) RunRetrainer(ctx context.Context) error {
	if d.store == nil {
		<-ctx.Done()
		return nil
	}
	for {
		cfg := d.config().Retrain
		if cfg.SchedulerEnabled {
			d.retrainOnce(ctx)
		}
		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		if !sleepCtx(ctx, interval) {
			return nil
		}
	}
}

func (d *Detector) retrainOnce(ctx context.Context) {
	cfg := d.config().Retrain
	until := d.now()
	since := until.Add(-time.Duration(cfg.LookbackMinutes) * time.Minute)
	res, err := d.TrainFromStore(ctx, TrainQuery{Since: since, Until: until, Limit: cfg.DBRowLimit})
	if d.logger == nil {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("scheduled retrain skipped", "err", err)
		}
		return
	}
	d.logger.Info("scheduled retrain", "trained", res.Trained, "rows_used", res.RowsUsed)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
