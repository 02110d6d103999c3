package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are the service-level Prometheus metrics. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	Batches      prometheus.Counter
	Events       prometheus.Counter
	Actions      *prometheus.CounterVec
	Fits         *prometheus.CounterVec
	FitDuration  prometheus.Histogram
	ModelFitted  prometheus.Gauge
	BufferedRows prometheus.Gauge
	StoreErrors  *prometheus.CounterVec
	Purged       *prometheus.CounterVec
}

// NewCollectors registers the collectors on reg. Pass a fresh registry in
// tests to avoid duplicate registration.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ipsentry",
			Name:      "batches_total",
			Help:      "Scored ingestion batches",
		}),
		Events: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ipsentry",
			Name:      "events_total",
			Help:      "Events pushed into identity windows",
		}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipsentry",
			Name:      "actions_total",
			Help:      "Emitted actions by kind",
		}, []string{"kind"}),
		Fits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipsentry",
			Name:      "model_fits_total",
			Help:      "Model fits by source and result",
		}, []string{"source", "result"}),
		FitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ipsentry",
			Name:      "model_fit_duration_seconds",
			Help:      "Time spent fitting the outlier model",
			Buckets:   prometheus.DefBuckets,
		}),
		ModelFitted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipsentry",
			Name:      "model_fitted",
			Help:      "1 when a fitted model is installed",
		}),
		BufferedRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipsentry",
			Name:      "training_buffer_rows",
			Help:      "Rows held in the training buffer",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipsentry",
			Name:      "store_errors_total",
			Help:      "Failed persistent store operations",
		}, []string{"op"}),
		Purged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipsentry",
			Name:      "purged_rows_total",
			Help:      "Rows removed by retention",
		}, []string{"table"}),
	}
}

func (c *Collectors) ObserveBatch(events int) {
	if c == nil {
		return
	}
	c.Batches.Inc()
	c.Events.Add(float64(events))
}

func (c *Collectors) ObserveAction(kind string) {
	if c == nil {
		return
	}
	c.Actions.WithLabelValues(kind).Inc()
}

func (c *Collectors) ObserveFit(source string, seconds float64, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Fits.WithLabelValues(source, result).Inc()
	c.FitDuration.Observe(seconds)
}

func (c *Collectors) SetModelState(fitted bool, buffered int) {
	if c == nil {
		return
	}
	if fitted {
		c.ModelFitted.Set(1)
	} else {
		c.ModelFitted.Set(0)
	}
	c.BufferedRows.Set(float64(buffered))
}

func (c *Collectors) ObserveStoreError(op string) {
	if c == nil {
		return
	}
	c.StoreErrors.WithLabelValues(op).Inc()
}

func (c *Collectors) ObservePurge(table string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.Purged.WithLabelValues(table).Add(float64(n))
}
