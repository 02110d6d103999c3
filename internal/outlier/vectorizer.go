package outlier

import (
	"encoding/json"
	"sort"
)

// Vectorizer projects named numeric fields onto a fixed ordered vocabulary.
// It is immutable after FitVectorizer returns.
type Vectorizer struct {
	fields []string
	index  map[string]int
}

// FitVectorizer builds the vocabulary from every field name seen in rows,
// sorted by name.
func FitVectorizer(rows []map[string]float64) *Vectorizer {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for name := range row {
			seen[name] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for name := range seen {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return newVectorizer(fields)
}

func newVectorizer(fields []string) *Vectorizer {
	index := make(map[string]int, len(fields))
	for i, name := range fields {
		index[name] = i
	}
	return &Vectorizer{fields: fields, index: index}
}

// Fields returns a copy of the vocabulary in vector order.
func (v *Vectorizer) Fields() []string {
	out := make([]string, len(v.fields))
	copy(out, v.fields)
	return out
}

func (v *Vectorizer) Dim() int {
	return len(v.fields)
}

// Transform maps each row onto the vocabulary. Missing fields are zero and
// fields outside the vocabulary are ignored.
func (v *Vectorizer) Transform(rows []map[string]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		vec := make([]float64, len(v.fields))
		for name, val := range row {
			if j, ok := v.index[name]; ok {
				vec[j] = val
			}
		}
		out[i] = vec
	}
	return out
}

func (v *Vectorizer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Fields []string `json:"fields"`
	}{Fields: v.fields})
}

func (v *Vectorizer) UnmarshalJSON(data []byte) error {
	var raw struct {
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Fields == nil {
		raw.Fields = []string{}
	}
	*v = *newVectorizer(raw.Fields)
	return nil
}
