package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"ipsentry/internal/config"
	"ipsentry/internal/detector"
	"ipsentry/internal/model"
	"ipsentry/internal/normalize"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads one JSON event per message and scores them in
// batches. Offsets are committed only after the batch is handled.
type KafkaConsumer struct {
	reader        messageReader
	scorer        Scorer
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
}

func NewKafkaConsumer(cfg config.KafkaConfig, scorer Scorer, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return newKafkaConsumer(reader, cfg, scorer, logger)
}

func newKafkaConsumer(reader messageReader, cfg config.KafkaConfig, scorer Scorer, logger *slog.Logger) *KafkaConsumer {
	size := cfg.BatchSize
	if size <= 0 {
		size = 200
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 500 * time.Millisecond
	}
	return &KafkaConsumer{reader: reader, scorer: scorer, batchSize: size, flushInterval: flush, logger: logger}
}

// Run consumes until ctx is cancelled. An uncommitted partial batch is
// redelivered on the next start.
func (k *KafkaConsumer) Run(ctx context.Context) error {
	defer k.reader.Close()
	if k.logger != nil {
		k.logger.Info("kafka ingest started", "batch_size", k.batchSize, "flush_interval", k.flushInterval)
	}
	var (
		msgs     []kafka.Message
		events   []model.Event
		deadline time.Time
	)
	for {
		fetchCtx := ctx
		cancel := context.CancelFunc(func() {})
		if len(msgs) > 0 {
			fetchCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		m, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) && len(msgs) > 0 {
				if !k.flush(ctx, msgs, events) {
					return nil
				}
				msgs, events = nil, nil
				continue
			}
			if k.logger != nil {
				k.logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		if len(msgs) == 0 {
			deadline = time.Now().Add(k.flushInterval)
		}
		msgs = append(msgs, m)
		ev, err := normalize.DecodeEvent(m.Value)
		if err != nil {
			if k.logger != nil {
				k.logger.Warn("kafka message skipped", "partition", m.Partition, "offset", m.Offset, "err", err)
			}
		} else {
			events = append(events, ev)
		}
		if len(msgs) >= k.batchSize {
			if !k.flush(ctx, msgs, events) {
				return nil
			}
			msgs, events = nil, nil
		}
	}
}

// flush scores the batch, retrying transient failures, then commits. It
// returns false once ctx is done.
func (k *KafkaConsumer) flush(ctx context.Context, msgs []kafka.Message, events []model.Event) bool {
	backoff := 200 * time.Millisecond
	for len(events) > 0 {
		res, err := k.scorer.Score(ctx, events, true)
		if err == nil {
			if k.logger != nil {
				k.logger.Debug("kafka batch scored", "events", res.TotalEvents, "actions", res.ActionsWritten, "trained", res.Trained)
			}
			break
		}
		if errors.Is(err, detector.ErrInvalidBatch) {
			if k.logger != nil {
				k.logger.Warn("kafka batch dropped", "events", len(events), "err", err)
			}
			break
		}
		if k.logger != nil {
			k.logger.Warn("kafka batch scoring failed", "events", len(events), "err", err)
		}
		if !BackoffSleep(ctx, backoff) {
			return false
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	if err := k.reader.CommitMessages(ctx, msgs...); err != nil {
		if ctx.Err() != nil {
			return false
		}
		if k.logger != nil {
			k.logger.Warn("kafka commit failed", "err", err)
		}
	}
	return true
}
