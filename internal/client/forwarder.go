package client

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
)

// Putter is the write side of a Flight client.
type Putter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

// Forwarder ships descriptors to a dataset through a circuit breaker.
type Forwarder struct {
	client  Putter
	dataset string
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
}

// NewForwarder wraps client. A nil breaker never opens.
func NewForwarder(client Putter, dataset string, breaker *CircuitBreaker) *Forwarder {
	return &Forwarder{
		client:  client,
		dataset: dataset,
		breaker: breaker,
		builder: NewRecordBatchBuilder(memory.DefaultAllocator),
	}
}

// Forward writes one batch of descriptors.
func (f *Forwarder) Forward(ctx context.Context, ids []string, descriptors [][]float32) error {
	rec, err := f.builder.BuildRecordBatch(ids, descriptors)
	if err != nil {
		forwardErrors.WithLabelValues("build").Inc()
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	if f.breaker != nil && !f.breaker.Allow() {
		forwardErrors.WithLabelValues("circuit_open").Inc()
		return ErrCircuitOpen
	}

	if err := f.client.DoPut(ctx, f.dataset, rec); err != nil {
		if f.breaker != nil {
			f.breaker.Failure()
		}
		forwardErrors.WithLabelValues("put").Inc()
		log.Warn().Err(err).Str("dataset", f.dataset).Int("rows", len(ids)).Msg("Forward failed")
		return fmt.Errorf("failed to forward %d descriptors: %w", len(ids), err)
	}
	if f.breaker != nil {
		f.breaker.Success()
	}
	forwardedRows.Add(float64(len(ids)))
	return nil
}
