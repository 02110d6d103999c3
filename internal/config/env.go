package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type envBinding struct {
	key   string
	names []string
	apply func(v *viper.Viper, cfg *Config, key string)
}

var envBindings = []envBinding{
	{"log_level", []string{"LOG_LEVEL"}, func(v *viper.Viper, c *Config, k string) { c.LogLevel = v.GetString(k) }},
	{"n_estimators", []string{"N_ESTIMATORS"}, func(v *viper.Viper, c *Config, k string) { c.Detection.NEstimators = v.GetInt(k) }},
	{"contamination", []string{"CONTAMINATION"}, func(v *viper.Viper, c *Config, k string) { c.Detection.Contamination = v.GetFloat64(k) }},
	{"window_minutes", []string{"WINDOW_MINUTES"}, func(v *viper.Viper, c *Config, k string) { c.Detection.WindowMinutes = v.GetInt(k) }},
	{"min_train_rows", []string{"MIN_TRAIN_ROWS"}, func(v *viper.Viper, c *Config, k string) { c.Detection.MinTrainRows = v.GetInt(k) }},
	{"retrain_every_batches", []string{"RETRAIN_EVERY_BATCHES", "RETRAIN_EVERY"}, func(v *viper.Viper, c *Config, k string) { c.Detection.RetrainEveryBatches = v.GetInt(k) }},
	{"hard_fail_ratio", []string{"HARD_FAIL_RATIO"}, func(v *viper.Viper, c *Config, k string) { c.Detection.HardFailRatio = v.GetFloat64(k) }},
	{"hard_fail_min", []string{"HARD_FAIL_MIN"}, func(v *viper.Viper, c *Config, k string) { c.Detection.HardFailMin = v.GetInt(k) }},
	{"train_buffer_size", []string{"TRAIN_BUFFER_SIZE"}, func(v *viper.Viper, c *Config, k string) { c.Detection.TrainBufferSize = v.GetInt(k) }},
	{"batch_target", []string{"BATCH_TARGET"}, func(v *viper.Viper, c *Config, k string) { c.Detection.BatchTarget = v.GetInt(k) }},
	{"retrain_interval_seconds", []string{"RETRAIN_INTERVAL_SECONDS", "RETRAIN_INTERVAL_SEC"}, func(v *viper.Viper, c *Config, k string) { c.Retrain.IntervalSeconds = v.GetInt(k) }},
	{"retrain_lookback_minutes", []string{"RETRAIN_LOOKBACK_MINUTES", "RETRAIN_LOOKBACK_MIN"}, func(v *viper.Viper, c *Config, k string) { c.Retrain.LookbackMinutes = v.GetInt(k) }},
	{"retrain_db_row_limit", []string{"RETRAIN_DB_ROW_LIMIT", "RETRAIN_DB_LIMIT"}, func(v *viper.Viper, c *Config, k string) { c.Retrain.DBRowLimit = v.GetInt(k) }},
	{"warmup_from_store", []string{"WARMUP_FROM_STORE", "WARMUP_FROM_DB"}, func(v *viper.Viper, c *Config, k string) { c.Retrain.WarmupFromStore = v.GetBool(k) }},
	{"storage_driver", []string{"STORAGE_DRIVER"}, func(v *viper.Viper, c *Config, k string) { c.Storage.Driver = v.GetString(k) }},
	{"storage_dsn", []string{"STORAGE_DSN", "PG_DSN"}, func(v *viper.Viper, c *Config, k string) {
		c.Storage.DSN = v.GetString(k)
		c.Storage.Enabled = c.Storage.DSN != ""
	}},
	{"pg_maxconn", []string{"PG_MAXCONN"}, func(v *viper.Viper, c *Config, k string) { c.Storage.MaxOpenConns = v.GetInt(k) }},
	{"pg_minconn", []string{"PG_MINCONN"}, func(v *viper.Viper, c *Config, k string) { c.Storage.MaxIdleConns = v.GetInt(k) }},
	{"model_path", []string{"MODEL_PATH"}, func(v *viper.Viper, c *Config, k string) { c.Model.Path = v.GetString(k) }},
	{"actions_path", []string{"ACTIONS_PATH"}, func(v *viper.Viper, c *Config, k string) { c.Export.ActionsPath = v.GetString(k) }},
	{"api_addr", []string{"API_ADDR"}, func(v *viper.Viper, c *Config, k string) { c.API.Addr = v.GetString(k) }},
}

// ApplyEnv overlays environment knobs on top of cfg. Only variables that are set win.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	for _, b := range envBindings {
		args := append([]string{b.key}, b.names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", strings.Join(b.names, ","), err)
		}
		if v.IsSet(b.key) {
			b.apply(v, cfg, b.key)
		}
	}
	return nil
}
