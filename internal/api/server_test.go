package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipsentry/internal/actions"
	"ipsentry/internal/config"
	"ipsentry/internal/detector"
	"ipsentry/internal/metrics"
	"ipsentry/internal/retention"
)

type fixture struct {
	handler http.Handler
	det     *detector.Detector
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Detection.BatchTarget = 0
	cfg.Retrain.OnDemand = false
	cfg.Model.Path = filepath.Join(t.TempDir(), "model.json.gz")
	if mutate != nil {
		mutate(cfg)
	}
	reg := prometheus.NewRegistry()
	prom := metrics.NewCollectors(reg)
	acts := actions.NewStore(cfg.Actions.StoreLimit)
	snaps := metrics.NewStore(cfg.Snapshots.StoreLimit)
	ret := retention.NewManager(nil, cfg.Retention, nil, prom)
	det := detector.New(cfg, detector.Options{Actions: acts, Snapshots: snaps, Metrics: prom, Retention: ret})
	srv := NewServer(Deps{
		Config:    config.NewStaticManager(cfg),
		Detector:  det,
		Retention: ret,
		Actions:   acts,
		Snapshots: snaps,
		Gatherer:  reg,
		Version:   "test",
	})
	return &fixture{handler: srv.Handler(), det: det, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func eventsBody(n int) []byte {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"ts":%q,"source_ip":"10.0.0.%d","outcome":"failed","user":"root"}`,
			base.Add(time.Duration(i)*time.Second).Format(time.RFC3339), i+1)
	}
	return []byte("[" + strings.Join(parts, ",") + "]")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["trained"])
	assert.Equal(t, float64(0), body["batches_seen"])
}

func TestScoreRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/score", []byte(`[]`), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/score", []byte(`[{"source_ip":"a"}]`), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/score", []byte(`{nope`), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/score?write_actions=maybe", eventsBody(1), nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/score", nil, nil).Code)
	assert.Equal(t, 0, f.det.BatchesSeen())
}

func TestScoreTruncatesTable(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.API.TopN = 2 })
	rec := f.do(t, http.MethodPost, "/score", eventsBody(3), map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["total_events"])
	assert.Equal(t, false, body["trained"])
	assert.Equal(t, float64(0), body["actions_written"])
	table := body["top_table"].([]any)
	require.Len(t, table, 2)
	row := table[0].(map[string]any)
	assert.Nil(t, row["score"])
	assert.Nil(t, row["prediction"])
}

func TestScoreNDJSONGzip(t *testing.T) {
	f := newFixture(t, nil)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("{\"ts\":\"2024-05-01T12:00:00Z\",\"source_ip\":\"a\"}\n{\"ts\":\"2024-05-01T12:00:02Z\",\"source_ip\":\"b\"}\n"))
	require.NoError(t, zw.Close())
	rec := f.do(t, http.MethodPost, "/score-ndjson?write_actions=false", buf.Bytes(), map[string]string{
		"Content-Type":     "application/x-ndjson",
		"Content-Encoding": "gzip",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decode(t, rec)["total_events"])
}

func TestIdentitiesAndReset(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/score", eventsBody(3), nil).Code)

	rec := f.do(t, http.MethodGet, "/identities", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/identities/10.0.0.1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.0.0.1", decode(t, rec)["ip"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/identities/10.9.9.9", nil, nil).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/admin/reset", nil, nil).Code)
	assert.Equal(t, float64(0), decode(t, f.do(t, http.MethodGet, "/identities", nil, nil))["count"])
	assert.Equal(t, 0, f.det.BatchesSeen())
}

func TestActionsListing(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Detection.MinTrainRows = 1
		c.Detection.HardFailMin = 3
		c.Detection.HardFailRatio = 0.9
	})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	parts := make([]string, 5)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"ts":%q,"source_ip":"1.2.3.4","outcome":"failure"}`, base.Add(time.Duration(i)*time.Second).Format(time.RFC3339))
	}
	rec := f.do(t, http.MethodPost, "/score", []byte("["+strings.Join(parts, ",")+"]"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["actions_written"])

	body := decode(t, f.do(t, http.MethodGet, "/actions?limit=10", nil, nil))
	assert.Equal(t, float64(1), body["count"])
	first := body["actions"].([]any)[0].(map[string]any)
	assert.Equal(t, "block", first["action"])
	assert.Equal(t, "1.2.3.4", first["ip"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/actions?since=soon", nil, nil).Code)
}

func TestTrainAndCleanupWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/train/from-db?limit=10", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/train/from-db?limit=x", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/train/from-db?since=never", nil, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/cleanup?keep_hours=1", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/cleanup?keep_hours=-1", nil, nil).Code)
}

func TestSaveAndLoad(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/load", nil, nil).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/score", eventsBody(2), nil).Code)
	rec := f.do(t, http.MethodPost, "/save", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/load", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, f.det.BatchesSeen())
	assert.Equal(t, 2, f.det.BufferedRows())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/score", eventsBody(1), nil).Code)
	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ipsentry_batches_total 1")
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "test", body["version"])
	det := body["detection"].(map[string]any)
	assert.Equal(t, float64(f.cfg.Detection.MinTrainRows), det["min_train_rows"])
}

func TestScoreRejectsInflatedGzipBody(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.API.MaxBodyBytes = 64 << 10 })
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	line := []byte("{\"ts\":\"2024-05-01T12:00:00Z\",\"source_ip\":\"a\"}\n")
	for written := 0; written <= 256<<10; written += len(line) {
		_, _ = zw.Write(line)
	}
	require.NoError(t, zw.Close())
	require.Less(t, buf.Len(), 64<<10)

	rec := f.do(t, http.MethodPost, "/score-ndjson", buf.Bytes(), map[string]string{
		"Content-Type":     "application/x-ndjson",
		"Content-Encoding": "gzip",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	assert.Equal(t, 0, f.det.BatchesSeen())
}

func TestActionsRejectsBadLimit(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/actions?limit=ten", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/actions?limit=-1", nil, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/actions?limit=5", nil, nil).Code)
}
