package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipsentry/internal/model"
)

func sampleActions() []model.Action {
	score := -0.7
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []model.Action{
		{Timestamp: ts, Kind: model.ActionBlock, Identity: "1.2.3.4", Score: &score, RecentFailed: 25, RecentEvents: 25, RecentFailRatio: 1, Reason: "too many"},
		{Timestamp: ts, Kind: model.ActionFlag, Identity: "5.6.7.8", Score: &score, Reason: "anomalous by outlier model"},
	}
}

func TestFileExporterAppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "actions.jsonl")
	f := NewFileExporter(path)
	require.NoError(t, f.Export(context.Background(), sampleActions()))
	require.NoError(t, f.Export(context.Background(), sampleActions()[:1]))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "high", lines[0]["severity"])
	assert.Equal(t, "block", lines[0]["action"])
	assert.Equal(t, "1.2.3.4", lines[0]["ip"])
	assert.Equal(t, "medium", lines[1]["severity"])
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaExporterKeysByIdentity(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaExporter{writer: w}
	require.NoError(t, k.Export(context.Background(), sampleActions()))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "5.6.7.8", string(w.msgs[1].Key))
	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, "high", rec.Severity)
	assert.Equal(t, model.ActionBlock, rec.Kind)
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	good := &fakeWriter{}
	m := Multi{&KafkaExporter{writer: &fakeWriter{err: boom}}, &KafkaExporter{writer: good}}
	err := m.Export(context.Background(), sampleActions())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.msgs, 2)
}
