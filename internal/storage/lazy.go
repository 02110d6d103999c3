package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ipsentry/internal/model"
)

// lazyStore opens and initializes the underlying store on first use. A failed
// open is retried on the next call.
type lazyStore struct {
	open  func() (Store, error)
	mu    sync.Mutex
	inner Store
}

func newLazy(open func() (Store, error)) *lazyStore {
	return &lazyStore{open: open}
}

func (l *lazyStore) get(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inner != nil {
		return l.inner, nil
	}
	s, err := l.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.inner = s
	return s, nil
}

func (l *lazyStore) Init(ctx context.Context) error {
	_, err := l.get(ctx)
	return err
}

func (l *lazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inner == nil {
		return nil
	}
	err := l.inner.Close()
	l.inner = nil
	return err
}

func (l *lazyStore) SaveEvents(ctx context.Context, events []model.Event) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.SaveEvents(ctx, events)
}

func (l *lazyStore) SaveFeatures(ctx context.Context, ts time.Time, rows []model.FeatureRow) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.SaveFeatures(ctx, ts, rows)
}

func (l *lazyStore) SaveActions(ctx context.Context, actions []model.Action) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.SaveActions(ctx, actions)
}

func (l *lazyStore) LoadFeatures(ctx context.Context, q FeatureQuery) ([]model.FeatureRow, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.LoadFeatures(ctx, q)
}

func (l *lazyStore) Purge(ctx context.Context, p PurgePolicy) (model.PurgeResult, error) {
	s, err := l.get(ctx)
	if err != nil {
		return model.PurgeResult{ExtendedRetention: p.Extended.String()}, err
	}
	return s.Purge(ctx, p)
}
