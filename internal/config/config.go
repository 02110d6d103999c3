package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Retrain   RetrainConfig   `json:"retrain" yaml:"retrain"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Export    ExportConfig    `json:"export" yaml:"export"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	API       APIConfig       `json:"api" yaml:"api"`
	Actions   ActionsConfig   `json:"actions" yaml:"actions"`
	Snapshots SnapshotsConfig `json:"snapshots" yaml:"snapshots"`
}

type DetectionConfig struct {
	NEstimators         int     `json:"n_estimators" yaml:"n_estimators"`
	Contamination       float64 `json:"contamination" yaml:"contamination"`
	MaxSamples          int     `json:"max_samples" yaml:"max_samples"`
	Seed                uint64  `json:"seed" yaml:"seed"`
	WindowMinutes       int     `json:"window_minutes" yaml:"window_minutes"`
	MinTrainRows        int     `json:"min_train_rows" yaml:"min_train_rows"`
	RetrainEveryBatches int     `json:"retrain_every_batches" yaml:"retrain_every_batches"`
	HardFailRatio       float64 `json:"hard_fail_ratio" yaml:"hard_fail_ratio"`
	HardFailMin         int     `json:"hard_fail_min" yaml:"hard_fail_min"`
	TrainBufferSize     int     `json:"train_buffer_size" yaml:"train_buffer_size"`
	BatchTarget         int     `json:"batch_target" yaml:"batch_target"`
	DedupeEventIDs      bool    `json:"dedupe_event_ids" yaml:"dedupe_event_ids"`
}

// Window returns the sliding horizon as a duration.
func (d DetectionConfig) Window() time.Duration {
	return time.Duration(d.WindowMinutes) * time.Minute
}

type RetrainConfig struct {
	IntervalSeconds  int  `json:"retrain_interval_seconds" yaml:"retrain_interval_seconds"`
	LookbackMinutes  int  `json:"retrain_lookback_minutes" yaml:"retrain_lookback_minutes"`
	DBRowLimit       int  `json:"retrain_db_row_limit" yaml:"retrain_db_row_limit"`
	WarmupFromStore  bool `json:"warmup_from_store" yaml:"warmup_from_store"`
	OnDemand         bool `json:"on_demand" yaml:"on_demand"`
	SchedulerEnabled bool `json:"scheduler_enabled" yaml:"scheduler_enabled"`
}

type RetentionConfig struct {
	KeepHours         float64       `json:"keep_hours" yaml:"keep_hours"`
	KeepAfterFit      time.Duration `json:"keep_after_fit" yaml:"keep_after_fit"`
	ExtendedRetention time.Duration `json:"extended_retention" yaml:"extended_retention"`
	SevereScore       float64       `json:"severe_score" yaml:"severe_score"`
	PurgeAfterFit     bool          `json:"purge_after_fit" yaml:"purge_after_fit"`
	Schedule          string        `json:"schedule" yaml:"schedule"`
}

type ModelConfig struct {
	Path           string `json:"path" yaml:"path"`
	LoadOnStart    bool   `json:"load_on_start" yaml:"load_on_start"`
	SaveOnShutdown bool   `json:"save_on_shutdown" yaml:"save_on_shutdown"`
}

type StorageConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Driver       string `json:"driver" yaml:"driver"`
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

type ExportConfig struct {
	ActionsPath string            `json:"actions_path" yaml:"actions_path"`
	Kafka       KafkaExportConfig `json:"kafka" yaml:"kafka"`
}

type KafkaExportConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Brokers       []string      `json:"brokers" yaml:"brokers"`
	Topic         string        `json:"topic" yaml:"topic"`
	GroupID       string        `json:"group_id" yaml:"group_id"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	TopN    int    `json:"top_n" yaml:"top_n"`

	// MaxBodyBytes caps request bodies after decompression.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type ActionsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type SnapshotsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Detection: DetectionConfig{
			NEstimators:         200,
			Contamination:       0.1,
			MaxSamples:          256,
			Seed:                42,
			WindowMinutes:       10,
			MinTrainRows:        5,
			RetrainEveryBatches: 1,
			HardFailRatio:       0.95,
			HardFailMin:         20,
			TrainBufferSize:     10000,
			BatchTarget:         200,
			DedupeEventIDs:      true,
		},
		Retrain: RetrainConfig{
			IntervalSeconds:  300,
			LookbackMinutes:  60,
			DBRowLimit:       20000,
			WarmupFromStore:  true,
			OnDemand:         true,
			SchedulerEnabled: true,
		},
		Retention: RetentionConfig{
			KeepHours:         24,
			KeepAfterFit:      6 * time.Minute,
			ExtendedRetention: 7 * 24 * time.Hour,
			SevereScore:       -0.6,
			PurgeAfterFit:     true,
			Schedule:          "@hourly",
		},
		Model:   ModelConfig{Path: "isoforest_perip.json.gz", LoadOnStart: true},
		Storage: StorageConfig{Enabled: false, Driver: "postgres", DSN: "postgres://ml:ml@localhost:5432/mlengine?sslmode=disable", MaxOpenConns: 5, MaxIdleConns: 1},
		Export:  ExportConfig{ActionsPath: "actions.jsonl"},
		Ingest: IngestConfig{
			Kafka: KafkaConfig{Enabled: false, BatchSize: 200, FlushInterval: 500 * time.Millisecond},
		},
		API:       APIConfig{Enabled: true, Addr: ":8001", TopN: 10, MaxBodyBytes: 32 << 20},
		Actions:   ActionsConfig{StoreLimit: 1000},
		Snapshots: SnapshotsConfig{StoreLimit: 5000},
	}
}

// Load reads a YAML or JSON config file, overlays environment knobs and validates.
// An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return errors.New("config file is empty")
	}
	if looksLikeJSON(trimmed) {
		return json.Unmarshal([]byte(trimmed), cfg)
	}
	return yaml.Unmarshal([]byte(trimmed), cfg)
}

// Save writes cfg as JSON when path ends in .json and as YAML otherwise.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Detection.NEstimators <= 0 {
		cfg.Detection.NEstimators = def.Detection.NEstimators
	}
	if cfg.Detection.MaxSamples <= 0 {
		cfg.Detection.MaxSamples = def.Detection.MaxSamples
	}
	if cfg.Detection.WindowMinutes <= 0 {
		cfg.Detection.WindowMinutes = def.Detection.WindowMinutes
	}
	if cfg.Detection.RetrainEveryBatches <= 0 {
		cfg.Detection.RetrainEveryBatches = def.Detection.RetrainEveryBatches
	}
	if cfg.Detection.TrainBufferSize <= 0 {
		cfg.Detection.TrainBufferSize = def.Detection.TrainBufferSize
	}
	if cfg.Retrain.IntervalSeconds <= 0 {
		cfg.Retrain.IntervalSeconds = def.Retrain.IntervalSeconds
	}
	if cfg.Retrain.LookbackMinutes <= 0 {
		cfg.Retrain.LookbackMinutes = def.Retrain.LookbackMinutes
	}
	if cfg.Retention.ExtendedRetention <= 0 {
		cfg.Retention.ExtendedRetention = def.Retention.ExtendedRetention
	}
	if cfg.Ingest.Kafka.BatchSize <= 0 {
		cfg.Ingest.Kafka.BatchSize = def.Ingest.Kafka.BatchSize
	}
	if cfg.Ingest.Kafka.FlushInterval <= 0 {
		cfg.Ingest.Kafka.FlushInterval = def.Ingest.Kafka.FlushInterval
	}
	if cfg.API.TopN <= 0 {
		cfg.API.TopN = def.API.TopN
	}
	if cfg.API.MaxBodyBytes <= 0 {
		cfg.API.MaxBodyBytes = def.API.MaxBodyBytes
	}
	if cfg.Actions.StoreLimit <= 0 {
		cfg.Actions.StoreLimit = def.Actions.StoreLimit
	}
	if cfg.Snapshots.StoreLimit <= 0 {
		cfg.Snapshots.StoreLimit = def.Snapshots.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.Detection.Contamination <= 0 || cfg.Detection.Contamination > 0.5 {
		return fmt.Errorf("detection.contamination must be in (0, 0.5], got %v", cfg.Detection.Contamination)
	}
	if cfg.Detection.MinTrainRows < 1 {
		return errors.New("detection.min_train_rows must be >= 1")
	}
	if cfg.Detection.HardFailRatio < 0 || cfg.Detection.HardFailRatio > 1 {
		return errors.New("detection.hard_fail_ratio must be in [0, 1]")
	}
	if cfg.Detection.HardFailMin < 0 {
		return errors.New("detection.hard_fail_min must be >= 0")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Export.Kafka.Enabled {
		if len(cfg.Export.Kafka.Brokers) == 0 || cfg.Export.Kafka.Topic == "" {
			return errors.New("export.kafka requires brokers, topic")
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		if cfg.Storage.Enabled {
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

// NewStaticManager wraps a config that has no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
