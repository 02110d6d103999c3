package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ipsentry/internal/api"
	"ipsentry/internal/config"
	"ipsentry/internal/detector"
	"ipsentry/internal/ingest"
	"ipsentry/internal/normalize"
)

const version = "0.3.0"

var (
	configPath string
	envFiles   []string
)

func main() {
	root := &cobra.Command{
		Use:           "ipsentry",
		Short:         "Online per-identity anomaly detection for security events",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(envFiles)
		},
		RunE: runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON config file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Dotenv files to load before reading the environment (default .env when present)")

	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the HTTP API, Kafka consumer and background workers", RunE: runServe},
		newTrainCmd(),
		newPurgeCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg.Get()
	if cfg.Model.LoadOnStart && cfg.Model.Path != "" {
		if err := a.detector.Load(cfg.Model.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				a.logger.Info("no saved model, starting fresh", "path", cfg.Model.Path)
			} else {
				a.logger.Warn("model load failed, starting fresh", "path", cfg.Model.Path, "err", err)
			}
		}
	}
	a.detector.Warmup(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		srv := api.NewServer(api.Deps{
			Config:    a.cfg,
			Detector:  a.detector,
			Retention: a.retention,
			Actions:   a.actions,
			Snapshots: a.snapshots,
			Gatherer:  a.registry,
			Logger:    a.logger,
			Version:   version,
		})
		g.Go(func() error { return srv.Run(gctx) })
	} else {
		a.logger.Info("api disabled")
	}
	if cfg.Ingest.Kafka.Enabled {
		consumer := ingest.NewKafkaConsumer(cfg.Ingest.Kafka, a.detector, a.logger)
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		a.logger.Info("kafka ingest disabled")
	}
	g.Go(func() error { return a.detector.RunRetrainer(gctx) })
	g.Go(func() error { return a.retention.Run(gctx) })
	g.Go(func() error {
		a.cfg.Watch(3*time.Second, func(next *config.Config) {
			a.detector.UpdateConfig(next)
			a.logger.Info("config reloaded", "path", a.cfg.Path())
		}, func(err error) {
			a.logger.Warn("config reload failed", "err", err)
		}, gctx.Done())
		return nil
	})

	a.logger.Info("ipsentry started", "version", version, "trained", a.detector.Trained())
	err = g.Wait()

	cfg = a.cfg.Get()
	if cfg.Model.SaveOnShutdown && cfg.Model.Path != "" {
		if serr := a.detector.Save(cfg.Model.Path); serr != nil {
			a.logger.Error("model save on shutdown failed", "path", cfg.Model.Path, "err", serr)
		} else {
			a.logger.Info("model saved", "path", cfg.Model.Path)
		}
	}
	a.logger.Info("ipsentry stopped")
	return err
}

func newTrainCmd() *cobra.Command {
	var since, until string
	var limit int
	var save bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the model from stored feature rows and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			cfg := a.cfg.Get()
			q := detector.TrainQuery{Limit: cfg.Retrain.DBRowLimit}
			if limit > 0 {
				q.Limit = limit
			}
			if since != "" {
				if q.Since, err = normalize.ParseTimestamp(since, time.UTC); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}
			if until != "" {
				if q.Until, err = normalize.ParseTimestamp(until, time.UTC); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}
			res, err := a.detector.TrainFromStore(cmd.Context(), q)
			if err != nil {
				return err
			}
			if save && res.Trained {
				if err := a.detector.Save(cfg.Model.Path); err != nil {
					return fmt.Errorf("save model: %w", err)
				}
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Oldest feature row timestamp to use")
	cmd.Flags().StringVar(&until, "until", "", "Newest feature row timestamp to use")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows to read (default retrain.retrain_db_row_limit)")
	cmd.Flags().BoolVar(&save, "save", true, "Save the fitted model to model.path")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var keepHours float64
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete aged rows from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			keep := a.cfg.Get().Retention.KeepHours
			if cmd.Flags().Changed("keep-hours") {
				keep = keepHours
			}
			res, err := a.retention.Purge(cmd.Context(), time.Duration(keep*float64(time.Hour)))
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Float64Var(&keepHours, "keep-hours", 24, "Ordinary retention in hours")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective config (defaults, file and environment) or write it to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(configPath))
			if err != nil {
				return err
			}
			if write == "" {
				return printJSON(cmd, cfg)
			}
			if err := config.Save(write, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", write)
			return nil
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "Write the effective config to this path (.json for JSON, YAML otherwise)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
