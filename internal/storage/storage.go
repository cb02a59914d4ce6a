package storage

import (
	"context"
	"errors"

	"ghostSettler/internal/model"
)

// Storage defines a sink for settlement attempt results.
type Storage interface {
	PutResultBatch(ctx context.Context, results []model.ExecutionResult) error
}

// Multi fans a batch out to every sink and joins their errors.
type Multi []Storage

func (m Multi) PutResultBatch(ctx context.Context, results []model.ExecutionResult) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.PutResultBatch(ctx, results); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
