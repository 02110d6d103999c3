package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ipsentry/internal/actions"
	"ipsentry/internal/config"
	"ipsentry/internal/detector"
	"ipsentry/internal/metrics"
	"ipsentry/internal/model"
	"ipsentry/internal/normalize"
	"ipsentry/internal/storage"
)

// Detector is the part of the detector service the HTTP surface drives.
type Detector interface {
	Score(ctx context.Context, events []model.Event, writeActions bool) (model.ScoreResult, error)
	TrainFromStore(ctx context.Context, q detector.TrainQuery) (model.TrainResult, error)
	Trained() bool
	BufferedRows() int
	BatchesSeen() int
	Save(path string) error
	Load(path string) error
	Reset()
}

type Purger interface {
	Purge(ctx context.Context, keep time.Duration) (model.PurgeResult, error)
}

type Deps struct {
	Config    *config.Manager
	Detector  Detector
	Retention Purger
	Actions   *actions.Store
	Snapshots *metrics.Store
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	cfg       *config.Manager
	detector  Detector
	retention Purger
	actions   *actions.Store
	snapshots *metrics.Store
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	version   string
	mux       *http.ServeMux
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Trained    bool            `json:"trained"`
	Storage    storageStatus   `json:"storage"`
	Kafka      kafkaStatus     `json:"kafka"`
	Detection  detectionStatus `json:"detection"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

type kafkaStatus struct {
	Ingest bool `json:"ingest"`
	Export bool `json:"export"`
}

type detectionStatus struct {
	WindowMinutes       int     `json:"window_minutes"`
	MinTrainRows        int     `json:"min_train_rows"`
	RetrainEveryBatches int     `json:"retrain_every_batches"`
	HardFailRatio       float64 `json:"hard_fail_ratio"`
	HardFailMin         int     `json:"hard_fail_min"`
	NEstimators         int     `json:"n_estimators"`
	Contamination       float64 `json:"contamination"`
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		detector:  deps.Detector,
		retention: deps.Retention,
		actions:   deps.Actions,
		snapshots: deps.Snapshots,
		gatherer:  deps.Gatherer,
		logger:    deps.Logger,
		version:   deps.Version,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /score", s.handleScore)
	s.mux.HandleFunc("POST /score-ndjson", s.handleScore)
	s.mux.HandleFunc("POST /train/from-db", s.handleTrain)
	s.mux.HandleFunc("POST /cleanup", s.handleCleanup)
	s.mux.HandleFunc("POST /save", s.handleSave)
	s.mux.HandleFunc("POST /load", s.handleLoad)
	s.mux.HandleFunc("GET /actions", s.handleActions)
	s.mux.HandleFunc("GET /identities", s.handleIdentities)
	s.mux.HandleFunc("GET /identities/{ip}", s.handleIdentity)
	s.mux.HandleFunc("POST /admin/reset", s.handleReset)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Get().API.Addr
	httpServer := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", addr)
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"trained":       s.detector.Trained(),
		"actions_path":  cfg.Export.ActionsPath,
		"buffered_rows": s.detector.BufferedRows(),
		"batches_seen":  s.detector.BatchesSeen(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Trained:    s.detector.Trained(),
		Storage:    storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Kafka:      kafkaStatus{Ingest: cfg.Ingest.Kafka.Enabled, Export: cfg.Export.Kafka.Enabled},
		Detection: detectionStatus{
			WindowMinutes:       cfg.Detection.WindowMinutes,
			MinTrainRows:        cfg.Detection.MinTrainRows,
			RetrainEveryBatches: cfg.Detection.RetrainEveryBatches,
			HardFailRatio:       cfg.Detection.HardFailRatio,
			HardFailMin:         cfg.Detection.HardFailMin,
			NEstimators:         cfg.Detection.NEstimators,
			Contamination:       cfg.Detection.Contamination,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	writeActions := true
	if v := r.URL.Query().Get("write_actions"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "write_actions must be a boolean")
			return
		}
		writeActions = b
	}
	limit := s.cfg.Get().API.MaxBodyBytes
	events, err := normalize.DecodeBody(http.MaxBytesReader(w, r.Body, limit), r.Header.Get("Content-Type"), r.Header.Get("Content-Encoding"), limit)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.Is(err, normalize.ErrBodyTooLarge) || errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "no events")
		return
	}
	res, err := s.detector.Score(r.Context(), events, writeActions)
	if err != nil {
		if errors.Is(err, detector.ErrInvalidBatch) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.logger != nil {
			s.logger.Error("scoring failed", "events", len(events), "err", err)
		}
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}
	if topN := s.cfg.Get().API.TopN; topN > 0 && len(res.Table) > topN {
		res.Table = res.Table[:topN]
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := detector.TrainQuery{Limit: s.cfg.Get().Retrain.DBRowLimit}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &query.Since}, {"until", &query.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := normalize.ParseTimestamp(v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+": "+err.Error())
			return
		}
		*p.dst = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = n
	}
	res, err := s.detector.TrainFromStore(r.Context(), query)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("train from store failed", "err", err)
		}
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		writeError(w, http.StatusServiceUnavailable, "retention disabled")
		return
	}
	keepHours := s.cfg.Get().Retention.KeepHours
	if v := r.URL.Query().Get("keep_hours"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil || h < 0 {
			writeError(w, http.StatusBadRequest, "keep_hours must be a non-negative number")
			return
		}
		keepHours = h
	}
	res, err := s.retention.Purge(r.Context(), time.Duration(keepHours*float64(time.Hour)))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Get().Model.Path
	if err := s.detector.Save(path); err != nil {
		if s.logger != nil {
			s.logger.Error("model save failed", "path", path, "err", err)
		}
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true, "path": path})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Get().Model.Path
	if err := s.detector.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no saved model at "+path)
			return
		}
		if s.logger != nil {
			s.logger.Error("model load failed", "path", path, "err", err)
		}
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": true, "trained": s.detector.Trained()})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var list []model.Action
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := normalize.ParseTimestamp(sinceStr, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since: "+err.Error())
			return
		}
		list = s.actions.Since(ts)
	} else {
		list = s.actions.List(limit)
	}
	if list == nil {
		list = []model.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": list,
		"count":   len(list),
	})
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	all := s.snapshots.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"identities": all,
		"count":      len(all),
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.PathValue("ip"))
	snap, ok := s.snapshots.Get(ip)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown identity")
		return
	}
	acts := s.actions.ForIdentity(ip)
	if acts == nil {
		acts = []model.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ip":       ip,
		"snapshot": snap,
		"actions":  acts,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.detector.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
