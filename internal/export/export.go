package export

import (
	"context"
	"encoding/json"
	"errors"

	"ipsentry/internal/model"
)

type Exporter interface {
	Export(ctx context.Context, actions []model.Action) error
	Close() error
}

// Record is the exported shape of an action.
type Record struct {
	model.Action
	Severity string `json:"severity"`
}

func NewRecord(a model.Action) Record {
	return Record{Action: a, Severity: a.Kind.Severity()}
}

func encodeRecord(a model.Action) ([]byte, error) {
	return json.Marshal(NewRecord(a))
}

// Multi fans actions out to every exporter and joins their errors.
type Multi []Exporter

func (m Multi) Export(ctx context.Context, actions []model.Action) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, actions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, e := range m {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
