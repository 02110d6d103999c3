package detector

import "errors"

var (
	ErrInvalidBatch   = errors.New("invalid batch")
	ErrRetrainFailure = errors.New("retrain failed")
)
