package detector

import (
	"sort"
	"time"

	"ipsentry/internal/model"
)

type eventEntry struct {
	Timestamp time.Time
	User      *string
	DestPort  *int
	Outcome   model.Outcome
}

// windowState is one identity's deque, anchored to its newest timestamp.
type windowState struct {
	horizon time.Duration
	events  []eventEntry
	head    int
	failed  int
	success int
}

func newWindowState(horizon time.Duration) *windowState {
	return &windowState{
		horizon: horizon,
		events:  make([]eventEntry, 0, 32),
	}
}

func (w *windowState) push(ev eventEntry) {
	w.events = append(w.events, ev)
	w.count(ev, 1)
	w.evict(ev.Timestamp.Add(-w.horizon))
}

func (w *windowState) count(ev eventEntry, delta int) {
	switch ev.Outcome {
	case model.OutcomeFailure:
		w.failed += delta
	case model.OutcomeSuccess:
		w.success += delta
	}
}

func (w *windowState) evict(cutoff time.Time) {
	for w.head < len(w.events) {
		ev := w.events[w.head]
		if !ev.Timestamp.Before(cutoff) {
			break
		}
		w.count(ev, -1)
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append([]eventEntry{}, w.events[w.head:]...)
		w.head = 0
	}
}

func (w *windowState) live() []eventEntry {
	return w.events[w.head:]
}

func (w *windowState) size() int {
	return len(w.events) - w.head
}

// Aggregator owns the per-identity windows. It is not safe for concurrent
// use; the Detector serializes access.
type Aggregator struct {
	horizon time.Duration
	windows map[string]*windowState
}

func NewAggregator(horizon time.Duration) *Aggregator {
	if horizon <= 0 {
		horizon = 10 * time.Minute
	}
	return &Aggregator{horizon: horizon, windows: make(map[string]*windowState)}
}

func (a *Aggregator) Push(ev model.Event) {
	w, ok := a.windows[ev.Identity]
	if !ok {
		w = newWindowState(a.horizon)
		a.windows[ev.Identity] = w
	}
	w.push(eventEntry{
		Timestamp: ev.Timestamp,
		User:      ev.User,
		DestPort:  ev.DestPort,
		Outcome:   ev.Outcome,
	})
}

// FeaturesFor returns the snapshot of one identity, or zero defaults when
// nothing is tracked for it.
func (a *Aggregator) FeaturesFor(identity string) model.FeatureRow {
	w, ok := a.windows[identity]
	if !ok {
		return model.FeatureRow{Identity: identity}
	}
	row := computeFeatures(w)
	row.Identity = identity
	return row
}

// Identities lists tracked identities in lexical order.
func (a *Aggregator) Identities() []string {
	out := make([]string, 0, len(a.windows))
	for id := range a.windows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetHorizon changes the horizon and re-evicts every window against its
// newest entry.
func (a *Aggregator) SetHorizon(horizon time.Duration) {
	if horizon <= 0 || horizon == a.horizon {
		return
	}
	a.horizon = horizon
	for _, w := range a.windows {
		w.horizon = horizon
		if n := len(w.events); n > w.head {
			w.evict(w.events[n-1].Timestamp.Add(-horizon))
		}
	}
}

func (a *Aggregator) Reset() {
	a.windows = make(map[string]*windowState)
}
