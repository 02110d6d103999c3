package ingest

import (
	"context"
	"time"

	"ipsentry/internal/model"
)

// Scorer consumes a batch of normalized events.
type Scorer interface {
	Score(ctx context.Context, events []model.Event, writeActions bool) (model.ScoreResult, error)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
