package api

import (
	"context"

	"github.com/tripwire/sentineld/internal/sink"
)

// Store is the subset of sink.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryEvents returns finalized process-lifecycle events matching the
	// given filter and pagination params.
	QueryEvents(ctx context.Context, q sink.EventQuery) ([]sink.Event, error)
}
