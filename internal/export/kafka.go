package export

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"ipsentry/internal/config"
	"ipsentry/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter publishes action records keyed by identity.
type KafkaExporter struct {
	writer messageWriter
}

func NewKafkaExporter(cfg config.KafkaExportConfig) *KafkaExporter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaExporter{writer: w}
}

func (k *KafkaExporter) Export(ctx context.Context, actions []model.Action) error {
	if len(actions) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(actions))
	for _, a := range actions {
		value, err := encodeRecord(a)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(a.Identity), Value: value, Time: a.Timestamp})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaExporter) Close() error {
	return k.writer.Close()
}
