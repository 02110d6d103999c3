package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipsentry/internal/config"
	"ipsentry/internal/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	s, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDisabledStoreIsNil(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLazyStoreReportsUnavailable(t *testing.T) {
	l := newLazy(func() (Store, error) { return nil, errors.New("dial tcp: refused") })
	err := l.SaveEvents(context.Background(), []model.Event{{EventID: "x"}})
	assert.True(t, errors.Is(err, ErrUnavailable))
	_, err = l.LoadFeatures(context.Background(), FeatureQuery{})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestSaveEventsIgnoresDuplicateIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := "root"
	port := 22
	ev := model.Event{
		EventID:   "ev-1",
		Timestamp: time.Now().UTC(),
		Identity:  "10.0.0.1",
		Outcome:   model.OutcomeFailure,
		User:      &user,
		DestPort:  &port,
		Protocol:  "tcp",
		Service:   "ssh",
	}
	require.NoError(t, s.SaveEvents(ctx, []model.Event{ev}))
	require.NoError(t, s.SaveEvents(ctx, []model.Event{ev}))

	res, err := s.Purge(ctx, PurgePolicy{Keep: 0, Extended: 0, Now: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.OldErrorsDeleted)
}

func TestLoadFeaturesNewestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		row := model.FeatureRow{Identity: "10.0.0.1", RecentEvents: i + 1}
		require.NoError(t, s.SaveFeatures(ctx, base.Add(time.Duration(i)*time.Minute), []model.FeatureRow{row}))
	}

	rows, err := s.LoadFeatures(ctx, FeatureQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 5, rows[0].RecentEvents)
	assert.Equal(t, 3, rows[2].RecentEvents)

	rows, err = s.LoadFeatures(ctx, FeatureQuery{Since: base.Add(time.Minute), Until: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, rows[0].RecentEvents)
	assert.Equal(t, 2, rows[1].RecentEvents)
}

func TestSaveFeaturesUpsertsOnKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveFeatures(ctx, ts, []model.FeatureRow{{Identity: "a", RecentEvents: 1}}))
	require.NoError(t, s.SaveFeatures(ctx, ts, []model.FeatureRow{{Identity: "a", RecentEvents: 7}}))
	rows, err := s.LoadFeatures(ctx, FeatureQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 7, rows[0].RecentEvents)
}

func TestPurgeKeepsSecurityRowsForExtendedHorizon(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	ancient := now.Add(-8 * 24 * time.Hour)

	events := []model.Event{
		{EventID: "ok-old", Timestamp: old, Identity: "a", Outcome: model.OutcomeSuccess},
		{EventID: "fail-old", Timestamp: old, Identity: "a", Outcome: model.OutcomeFailure},
		{EventID: "fail-ancient", Timestamp: ancient, Identity: "a", Outcome: model.OutcomeBlocked},
		{EventID: "ok-new", Timestamp: now, Identity: "a", Outcome: model.OutcomeSuccess},
	}
	require.NoError(t, s.SaveEvents(ctx, events))
	require.NoError(t, s.SaveFeatures(ctx, old, []model.FeatureRow{{Identity: "a"}}))
	require.NoError(t, s.SaveFeatures(ctx, now, []model.FeatureRow{{Identity: "a"}}))

	mild := -0.45
	severe := -0.8
	actions := []model.Action{
		{Timestamp: old, Kind: model.ActionFlag, Identity: "a", Score: &mild},
		{Timestamp: old, Kind: model.ActionFlag, Identity: "a", Score: &severe},
		{Timestamp: old, Kind: model.ActionBlock, Identity: "a"},
		{Timestamp: ancient, Kind: model.ActionBlock, Identity: "a"},
	}
	require.NoError(t, s.SaveActions(ctx, actions))

	res, err := s.Purge(ctx, PurgePolicy{
		Keep:        24 * time.Hour,
		Extended:    7 * 24 * time.Hour,
		SevereScore: -0.6,
		Now:         now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EventsDeleted)
	assert.Equal(t, int64(1), res.FeaturesDeleted)
	assert.Equal(t, int64(1), res.ActionsDeleted)
	assert.Equal(t, int64(1), res.OldErrorsDeleted)
	assert.Equal(t, int64(1), res.OldAnomaliesDeleted)
	assert.Equal(t, "168h0m0s", res.ExtendedRetention)

	rows, err := s.LoadFeatures(ctx, FeatureQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", rebindDollar("a = ? AND b IN (?, ?)"))
}
