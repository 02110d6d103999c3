package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ipsentry/internal/actions"
	"ipsentry/internal/config"
	"ipsentry/internal/export"
	"ipsentry/internal/metrics"
	"ipsentry/internal/model"
	"ipsentry/internal/outlier"
	"ipsentry/internal/retention"
	"ipsentry/internal/storage"
)

// Options carries the optional collaborators of a Detector. Nil members are
// skipped.
type Options struct {
	Store     storage.Store
	Exporter  export.Exporter
	Actions   *actions.Store
	Snapshots *metrics.Store
	Metrics   *metrics.Collectors
	Retention *retention.Manager
	Logger    *slog.Logger
	Now       func() time.Time
}

// Detector is the online per-identity anomaly detection service. Scoring may
// be called concurrently; fits are serialized by fitMu and installed with a
// single atomic swap of the vectorizer and forest pair.
type Detector struct {
	store     storage.Store
	exporter  export.Exporter
	actions   *actions.Store
	snapshots *metrics.Store
	prom      *metrics.Collectors
	retention *retention.Manager
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	cfg   atomic.Pointer[config.Config]
	model atomic.Pointer[outlier.Model]
	fitMu sync.Mutex

	// batch generation of the installed buffer fit, guarded by fitMu
	lastFitGen int

	mu      sync.Mutex
	windows *Aggregator
	buffer  *TrainingBuffer
	batches int
	dedupe  *dedupeCache

	// onFit runs inside the fit critical section; tests use it to observe
	// serialization.
	onFit func()
}

func New(cfg *config.Config, opts Options) *Detector {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	d := &Detector{
		store:     opts.Store,
		exporter:  opts.Exporter,
		actions:   opts.Actions,
		snapshots: opts.Snapshots,
		prom:      opts.Metrics,
		retention: opts.Retention,
		logger:    opts.Logger,
		now:       now,
		tracer:    otel.Tracer("ipsentry/detector"),
		windows:   NewAggregator(cfg.Detection.Window()),
		buffer:    NewTrainingBuffer(cfg.Detection.TrainBufferSize),
		dedupe:    newDedupeCache(),
	}
	d.cfg.Store(cfg)
	return d
}

func (d *Detector) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	d.cfg.Store(cfg)
	d.mu.Lock()
	d.windows.SetHorizon(cfg.Detection.Window())
	d.buffer.SetCapacity(cfg.Detection.TrainBufferSize)
	d.mu.Unlock()
	if d.retention != nil {
		d.retention.UpdateConfig(cfg.Retention)
	}
}

func (d *Detector) config() *config.Config {
	if c := d.cfg.Load(); c != nil {
		return c
	}
	return config.DefaultConfig()
}

func (d *Detector) Trained() bool {
	return d.model.Load() != nil
}

func (d *Detector) BufferedRows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffer.Len()
}

func (d *Detector) BatchesSeen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches
}

func (d *Detector) params() outlier.Params {
	det := d.config().Detection
	return outlier.Params{
		NEstimators:   det.NEstimators,
		Contamination: det.Contamination,
		MaxSamples:    det.MaxSamples,
		Seed:          det.Seed,
	}
}

func validateBatch(events []model.Event) error {
	for i, ev := range events {
		if ev.Identity == "" {
			return fmt.Errorf("%w: event %d has no identity", ErrInvalidBatch, i)
		}
		if ev.Timestamp.IsZero() {
			return fmt.Errorf("%w: event %d has no timestamp", ErrInvalidBatch, i)
		}
		switch ev.Outcome {
		case model.OutcomeSuccess, model.OutcomeFailure, model.OutcomeBlocked, model.OutcomeError:
		default:
			return fmt.Errorf("%w: event %d has unknown outcome %q", ErrInvalidBatch, i, ev.Outcome)
		}
	}
	return nil
}

// Score ingests one batch, refits when due and returns the decision table.
// When writeActions is false the actions are not exported.
func (d *Detector) Score(ctx context.Context, events []model.Event, writeActions bool) (model.ScoreResult, error) {
	ctx, span := d.tracer.Start(ctx, "detector.Score", trace.WithAttributes(attribute.Int("batch_size", len(events))))
	defer span.End()

	if len(events) == 0 {
		return model.ScoreResult{Trained: d.Trained(), Table: []model.ScoreRow{}}, nil
	}
	if err := validateBatch(events); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.ScoreResult{}, err
	}
	cfg := d.config()
	if target := cfg.Detection.BatchTarget; target > 0 && len(events) != target && d.logger != nil {
		d.logger.Warn("batch size differs from target, processing anyway", "batch_size", len(events), "target", target)
	}

	batch := make([]model.Event, len(events))
	copy(batch, events)
	for i := range batch {
		if batch[i].EventID == "" {
			batch[i].EventID = uuid.NewString()
		}
	}
	d.persist(ctx, "save_events", func(s storage.Store) error { return s.SaveEvents(ctx, batch) })

	d.mu.Lock()
	window := cfg.Detection.Window()
	pushed := 0
	for _, ev := range batch {
		if cfg.Detection.DedupeEventIDs && d.dedupe.Seen(ev.EventID, ev.Timestamp, window) {
			continue
		}
		d.windows.Push(ev)
		pushed++
	}
	ids := d.windows.Identities()
	rows := make([]model.FeatureRow, len(ids))
	for i, id := range ids {
		rows[i] = d.windows.FeaturesFor(id)
	}
	d.buffer.Append(rows)
	d.batches++
	gen := d.batches
	current := d.model.Load()
	every := cfg.Detection.RetrainEveryBatches
	if every <= 0 {
		every = 1
	}
	needInitial := current == nil && d.buffer.Len() >= cfg.Detection.MinTrainRows
	needRetrain := current != nil && d.batches%every == 0
	var trainRows []model.FeatureRow
	if needInitial || needRetrain {
		trainRows = d.buffer.Snapshot()
	}
	buffered := d.buffer.Len()
	d.mu.Unlock()

	d.prom.ObserveBatch(pushed)
	if trainRows != nil {
		if err := d.fitBuffer(ctx, trainRows, gen); err != nil && d.logger != nil {
			d.logger.Error("model fit failed", "rows", len(trainRows), "err", err)
		}
	}

	m := d.model.Load()
	var preds []outlier.Prediction
	if m != nil {
		p, err := m.ScoreAndPredict(rows)
		switch {
		case errors.Is(err, outlier.ErrNotFitted):
		case err != nil:
			span.SetStatus(codes.Error, err.Error())
			return model.ScoreResult{}, fmt.Errorf("score: %w", err)
		default:
			preds = p
		}
	}
	now := d.now()
	rule := hardRule{FailRatio: cfg.Detection.HardFailRatio, FailMin: cfg.Detection.HardFailMin}
	table, acts := decide(rows, preds, rule, now)

	written := 0
	if writeActions && len(acts) > 0 {
		written = len(acts)
		if d.exporter != nil {
			if err := d.exporter.Export(ctx, acts); err != nil && d.logger != nil {
				d.logger.Warn("action export failed", "actions", len(acts), "err", err)
			}
		}
	}
	d.persist(ctx, "save_features", func(s storage.Store) error { return s.SaveFeatures(ctx, now, rows) })
	d.persist(ctx, "save_actions", func(s storage.Store) error { return s.SaveActions(ctx, acts) })
	d.record(rows, preds, acts, now)
	d.prom.SetModelState(preds != nil, buffered)

	for _, a := range acts {
		if d.logger != nil {
			d.logger.Warn("action emitted", "action", a.Kind, "identity", a.Identity, "score", *a.Score, "reason", a.Reason)
		}
	}

	if preds == nil && cfg.Retrain.OnDemand && d.store != nil {
		res, err := d.TrainFromStore(ctx, TrainQuery{Limit: cfg.Retrain.DBRowLimit})
		if d.logger != nil {
			if err != nil {
				d.logger.Warn("on-demand retrain skipped", "err", err)
			} else {
				d.logger.Info("on-demand retrain", "trained", res.Trained, "rows_used", res.RowsUsed)
			}
		}
	}

	span.SetAttributes(attribute.Int("identities", len(rows)), attribute.Int("actions", len(acts)))
	return model.ScoreResult{
		TotalEvents:    len(events),
		Trained:        preds != nil,
		ActionsWritten: written,
		Table:          table,
		Actions:        acts,
	}, nil
}

// persist runs a best-effort store operation. Failures are logged and counted.
func (d *Detector) persist(ctx context.Context, op string, fn func(storage.Store) error) {
	if d.store == nil {
		return
	}
	if err := fn(d.store); err != nil {
		d.prom.ObserveStoreError(op)
		if d.logger != nil {
			d.logger.Warn("store write failed", "op", op, "err", err)
		}
	}
}

func (d *Detector) record(rows []model.FeatureRow, preds []outlier.Prediction, acts []model.Action, now time.Time) {
	if d.actions != nil && len(acts) > 0 {
		d.actions.Add(acts...)
	}
	for _, a := range acts {
		d.prom.ObserveAction(string(a.Kind))
	}
	if d.snapshots == nil {
		return
	}
	snaps := make([]model.IdentitySnapshot, len(rows))
	for i, row := range rows {
		snaps[i] = model.IdentitySnapshot{Features: row, UpdatedAt: now}
		if preds != nil {
			score := preds[i].Score
			label := preds[i].Label()
			snaps[i].Score = &score
			snaps[i].Prediction = &label
		}
	}
	d.snapshots.Update(snaps)
}

// fitBuffer refits from a buffer snapshot taken at batch gen. A snapshot older
// than the installed model is dropped.
func (d *Detector) fitBuffer(ctx context.Context, rows []model.FeatureRow, gen int) error {
	d.fitMu.Lock()
	if gen <= d.lastFitGen && d.model.Load() != nil {
		d.fitMu.Unlock()
		return nil
	}
	err := d.fitLocked(ctx, rows, "buffer")
	if err == nil {
		d.lastFitGen = gen
	}
	d.fitMu.Unlock()
	if err == nil && d.retention != nil {
		d.retention.AfterFit(ctx)
	}
	return err
}

// fitLocked fits and installs a new model. The caller holds fitMu.
func (d *Detector) fitLocked(ctx context.Context, rows []model.FeatureRow, source string) error {
	_, span := d.tracer.Start(ctx, "detector.fit", trace.WithAttributes(
		attribute.String("source", source),
		attribute.Int("rows", len(rows)),
	))
	defer span.End()
	if d.onFit != nil {
		d.onFit()
	}
	start := time.Now()
	m, err := outlier.Fit(rows, d.params())
	d.prom.ObserveFit(source, time.Since(start).Seconds(), err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	d.model.Store(m)
	if d.logger != nil {
		d.logger.Info("model fitted", "source", source, "rows", len(rows), "fields", m.Vectorizer.Dim())
	}
	return nil
}

type TrainQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

// TrainFromStore refits from persisted feature rows and replaces the training
// buffer with the newest of them. On failure the current model is kept.
func (d *Detector) TrainFromStore(ctx context.Context, q TrainQuery) (model.TrainResult, error) {
	ctx, span := d.tracer.Start(ctx, "detector.TrainFromStore")
	defer span.End()
	if d.store == nil {
		return model.TrainResult{Trained: d.Trained()}, fmt.Errorf("%w: %w", ErrRetrainFailure, storage.ErrUnavailable)
	}
	rows, err := d.store.LoadFeatures(ctx, storage.FeatureQuery{Since: q.Since, Until: q.Until, Limit: q.Limit})
	if err != nil {
		d.prom.ObserveStoreError("load_features")
		span.SetStatus(codes.Error, err.Error())
		return model.TrainResult{Trained: d.Trained()}, fmt.Errorf("%w: %w", ErrRetrainFailure, err)
	}
	if len(rows) == 0 {
		return model.TrainResult{Trained: d.Trained()}, nil
	}
	// newest first from the store; the buffer holds them oldest first
	chrono := make([]model.FeatureRow, len(rows))
	for i, r := range rows {
		chrono[len(rows)-1-i] = r.Anonymous()
	}

	d.fitMu.Lock()
	if err := d.fitLocked(ctx, chrono, "store"); err != nil {
		d.fitMu.Unlock()
		return model.TrainResult{Trained: d.Trained()}, fmt.Errorf("%w: %w", ErrRetrainFailure, err)
	}
	d.mu.Lock()
	d.buffer.Replace(chrono)
	d.lastFitGen = d.batches
	buffered := d.buffer.Len()
	d.mu.Unlock()
	d.fitMu.Unlock()

	d.prom.SetModelState(true, buffered)
	if d.retention != nil {
		d.retention.AfterFit(ctx)
	}
	return model.TrainResult{Trained: true, RowsUsed: len(rows)}, nil
}

// Warmup trains from the store at startup when enabled. Failures are logged.
func (d *Detector) Warmup(ctx context.Context) {
	cfg := d.config()
	if !cfg.Retrain.WarmupFromStore || d.store == nil {
		return
	}
	res, err := d.TrainFromStore(ctx, TrainQuery{Limit: cfg.Retrain.DBRowLimit})
	if d.logger == nil {
		return
	}
	if err != nil {
		d.logger.Warn("warmup skipped", "err", err)
		return
	}
	d.logger.Info("warmup", "trained", res.Trained, "rows_used", res.RowsUsed)
}

// Reset clears windows, buffer, counters and the in-memory stores. The
// fitted model is kept.
func (d *Detector) Reset() {
	d.fitMu.Lock()
	d.mu.Lock()
	d.windows.Reset()
	d.buffer.Reset()
	d.batches = 0
	d.lastFitGen = 0
	d.dedupe.Reset()
	d.mu.Unlock()
	d.fitMu.Unlock()
	if d.actions != nil {
		d.actions.Clear()
	}
	if d.snapshots != nil {
		d.snapshots.Clear()
	}
	d.prom.SetModelState(d.Trained(), 0)
}
