package pipeline

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Recorder receives a summary of every finished exchange. Implementations
// must not retain state that feeds back into later requests.
type Recorder interface {
	Record(ctx context.Context, evt protocol.ExchangeEvent) error
}

// Recorders fans one event out to several recorders.
type Recorders []Recorder

func (rs Recorders) Record(ctx context.Context, evt protocol.ExchangeEvent) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
