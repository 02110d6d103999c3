package detector

import "ipsentry/internal/model"

// TrainingBuffer is a bounded FIFO of anonymous feature rows.
type TrainingBuffer struct {
	capacity int
	rows     []model.FeatureRow
}

func NewTrainingBuffer(capacity int) *TrainingBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &TrainingBuffer{capacity: capacity}
}

// Append strips identities and drops the oldest rows beyond capacity.
func (b *TrainingBuffer) Append(rows []model.FeatureRow) {
	for _, r := range rows {
		b.rows = append(b.rows, r.Anonymous())
	}
	b.trim()
}

// Replace swaps the contents for rows, keeping the last capacity entries.
func (b *TrainingBuffer) Replace(rows []model.FeatureRow) {
	b.rows = make([]model.FeatureRow, 0, len(rows))
	b.Append(rows)
}

func (b *TrainingBuffer) trim() {
	if over := len(b.rows) - b.capacity; over > 0 {
		b.rows = append([]model.FeatureRow{}, b.rows[over:]...)
	}
}

func (b *TrainingBuffer) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	b.capacity = capacity
	b.trim()
}

func (b *TrainingBuffer) Len() int {
	return len(b.rows)
}

// Snapshot returns a copy safe to use outside the owner's lock.
func (b *TrainingBuffer) Snapshot() []model.FeatureRow {
	out := make([]model.FeatureRow, len(b.rows))
	copy(out, b.rows)
	return out
}

func (b *TrainingBuffer) Reset() {
	b.rows = nil
}
