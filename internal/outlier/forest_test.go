package outlier

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipsentry/internal/model"
)

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	// 2*(ln 255 + gamma) - 2*255/256
	want := 2*(math.Log(255)+eulerGamma) - 2*255.0/256.0
	assert.InDelta(t, want, averagePathLength(256), 1e-12)
}

func TestPercentileLinear(t *testing.T) {
	vals := []float64{4, 1, 3, 2}
	assert.Equal(t, 1.0, percentile(vals, 0))
	assert.Equal(t, 4.0, percentile(vals, 100))
	assert.InDelta(t, 2.5, percentile(vals, 50), 1e-12)
	assert.InDelta(t, 1.3, percentile(vals, 10), 1e-12)
	assert.Equal(t, []float64{4, 1, 3, 2}, vals)
}

func TestFitForestRejectsEmpty(t *testing.T) {
	_, err := FitForest(nil, DefaultParams())
	require.Error(t, err)
}

func TestFitForestRejectsRaggedRows(t *testing.T) {
	_, err := FitForest([][]float64{{1, 2}, {1}}, DefaultParams())
	require.Error(t, err)
}

func TestForestIsolatesOutlier(t *testing.T) {
	X := make([][]float64, 0, 11)
	for i := 0; i < 10; i++ {
		X = append(X, []float64{6, 3, 3, 0.5, 2, 0})
	}
	X = append(X, []float64{50, 0, 50, 0, 0, 0})

	f, err := FitForest(X, DefaultParams())
	require.NoError(t, err)
	scores := f.Score(X)

	for i := 0; i < 10; i++ {
		assert.InDelta(t, scores[0], scores[i], 1e-12)
		assert.False(t, f.Outlier(scores[i]), "row %d should be an inlier", i)
	}
	assert.Less(t, scores[10], scores[0])
	assert.True(t, f.Outlier(scores[10]))
	for _, s := range scores {
		assert.True(t, s < 0 && s >= -1, "score %v out of range", s)
	}
}

func TestForestSingleRowIsInlier(t *testing.T) {
	f, err := FitForest([][]float64{{1, 2, 3}}, DefaultParams())
	require.NoError(t, err)
	scores := f.Score([][]float64{{1, 2, 3}, {100, 0, 0}})
	assert.Equal(t, -1.0, scores[0])
	assert.Equal(t, -1.0, scores[1])
	assert.False(t, f.Outlier(scores[1]))
}

func TestForestDeterministicForSeed(t *testing.T) {
	X := [][]float64{{1, 0}, {2, 1}, {3, 0}, {4, 1}, {20, 9}}
	a, err := FitForest(X, DefaultParams())
	require.NoError(t, err)
	b, err := FitForest(X, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, a.Score(X), b.Score(X))
	assert.Equal(t, a.Offset, b.Offset)
}

func TestVectorizerTransform(t *testing.T) {
	v := FitVectorizer([]map[string]float64{{"b": 1}, {"a": 2, "c": 3}})
	assert.Equal(t, []string{"a", "b", "c"}, v.Fields())
	out := v.Transform([]map[string]float64{{"c": 7, "zzz": 9}})
	assert.Equal(t, [][]float64{{0, 0, 7}}, out)
}

func TestVectorizerJSONRebuildsIndex(t *testing.T) {
	v := FitVectorizer([]map[string]float64{{"x": 1, "y": 2}})
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var got Vectorizer
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, v.Fields(), got.Fields())
	assert.Equal(t, [][]float64{{0, 5}}, got.Transform([]map[string]float64{{"y": 5}}))
}

func TestNilModelNotFitted(t *testing.T) {
	var m *Model
	_, err := m.ScoreAndPredict([]model.FeatureRow{{}})
	assert.True(t, errors.Is(err, ErrNotFitted))
}

func TestModelRoundTrip(t *testing.T) {
	rows := []model.FeatureRow{
		{RecentEvents: 6, RecentFailed: 3, RecentSuccess: 3, RecentFailRatio: 0.5, Burst60sMax: 2},
		{RecentEvents: 6, RecentFailed: 2, RecentSuccess: 4, RecentFailRatio: 1.0 / 3, Burst60sMax: 3},
		{RecentEvents: 50, RecentSuccess: 50, Burst60sMax: 50, InterMean: 0.1},
	}
	m, err := Fit(rows, DefaultParams())
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	var back Model
	require.NoError(t, json.Unmarshal(data, &back))

	want, err := m.ScoreAndPredict(rows)
	require.NoError(t, err)
	got, err := back.ScoreAndPredict(rows)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, len(m.Vectorizer.Fields()), back.Forest.Dim)
}
