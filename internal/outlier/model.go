package outlier

import (
	"errors"
	"fmt"

	"ipsentry/internal/model"
)

var ErrNotFitted = errors.New("outlier model not fitted")

// Model pairs a vectorizer with the forest fitted on its vocabulary. A Model
// is never mutated; a refit produces a new one.
type Model struct {
	Vectorizer *Vectorizer `json:"vectorizer"`
	Forest     *Forest     `json:"forest"`
}

type Prediction struct {
	Score   float64
	Outlier bool
}

// Label returns the conventional -1/1 prediction label.
func (p Prediction) Label() int {
	if p.Outlier {
		return model.PredictionOutlier
	}
	return model.PredictionInlier
}

func Fit(rows []model.FeatureRow, p Params) (*Model, error) {
	if len(rows) == 0 {
		return nil, errors.New("fit: no training rows")
	}
	fields := make([]map[string]float64, len(rows))
	for i, r := range rows {
		fields[i] = r.Fields()
	}
	vec := FitVectorizer(fields)
	forest, err := FitForest(vec.Transform(fields), p)
	if err != nil {
		return nil, err
	}
	return &Model{Vectorizer: vec, Forest: forest}, nil
}

func (m *Model) ScoreAndPredict(rows []model.FeatureRow) ([]Prediction, error) {
	if m == nil || m.Vectorizer == nil || m.Forest == nil {
		return nil, ErrNotFitted
	}
	if m.Vectorizer.Dim() != m.Forest.Dim {
		return nil, fmt.Errorf("model vocabulary has %d fields, forest expects %d", m.Vectorizer.Dim(), m.Forest.Dim)
	}
	fields := make([]map[string]float64, len(rows))
	for i, r := range rows {
		fields[i] = r.Fields()
	}
	scores := m.Forest.Score(m.Vectorizer.Transform(fields))
	out := make([]Prediction, len(scores))
	for i, s := range scores {
		out[i] = Prediction{Score: s, Outlier: m.Forest.Outlier(s)}
	}
	return out, nil
}
