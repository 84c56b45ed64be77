package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/events"
	"github.com/lucytrasero/ROBOX-sub001/internal/idgen"
	"github.com/lucytrasero/ROBOX-sub001/internal/metrics"
	"github.com/lucytrasero/ROBOX-sub001/internal/money"
	"github.com/lucytrasero/ROBOX-sub001/internal/traces"
)

// MaxBatchSize caps the number of transfers in one batch.
const MaxBatchSize = 100

// BatchInput carries a batch execution request. When AllOrNothing is
// set, every child transfer runs in one storage transaction and any
// failure rolls the whole batch back; otherwise each child runs in its
// own sub-transaction and per-item failures are recorded without
// halting the batch.
type BatchInput struct {
	Items          []TransferSpec
	AllOrNothing   bool
	IdempotencyKey string
}

// ExecuteBatch runs a batch of transfers in client-supplied order.
// Children inherit a batch-scoped idempotency key ("<key>#<index>") so
// a retried batch never double-applies the children that already
// committed.
func (s *Service) ExecuteBatch(ctx context.Context, actor Actor, in BatchInput) (*BatchTransfer, error) {
	if err := Authorize(actor, "executeBatch", ""); err != nil {
		return nil, err
	}
	if len(in.Items) == 0 {
		return nil, Errorf(CodeValidation, "batch has no transfers")
	}
	if len(in.Items) > MaxBatchSize {
		return nil, Errorf(CodeValidation, "batch size %d exceeds max %d", len(in.Items), MaxBatchSize)
	}

	total := big.NewInt(0)
	for i, item := range in.Items {
		if item.From == "" || item.To == "" {
			return nil, Errorf(CodeInvalidAccountID, "item %d is missing a party", i)
		}
		v, ok := money.Parse(item.Amount)
		if !ok || v.Sign() <= 0 {
			return nil, Errorf(CodeInvalidAmount, "item %d amount %q", i, item.Amount)
		}
		total.Add(total, v)
	}

	// Batch-level idempotency: a repeated key returns the stored batch.
	if in.IdempotencyKey != "" {
		prev, err := s.store.GetBatchByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return prev, nil
		}
	}

	batch := &BatchTransfer{
		ID:             idgen.BatchID(),
		Status:         BatchPending,
		AllOrNothing:   in.AllOrNothing,
		Items:          in.Items,
		TotalAmount:    money.Format(total),
		IdempotencyKey: in.IdempotencyKey,
		InitiatedBy:    actor.ID,
	}

	err := s.run(ctx, actor, "executeBatch", map[string]any{
		"batch_id": batch.ID, "items": len(in.Items),
	}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger.ExecuteBatch", traces.BatchID(batch.ID))
		defer span.End()

		// The batch record commits in its own transaction so a failed
		// atomic batch stays queryable, and so the write serializes
		// against transactions already in flight.
		if err := s.store.Tx(ctx, func(st Store) error {
			return st.CreateBatch(ctx, batch)
		}); err != nil {
			return err
		}
		if in.AllOrNothing {
			return s.executeBatchAtomic(ctx, actor, batch)
		}
		return s.executeBatchPerItem(ctx, actor, batch)
	})
	if err != nil {
		return nil, err
	}

	metrics.BatchesTotal.WithLabelValues(batch.Status).Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     events.BatchCompleted,
		EntityID: batch.ID,
		Payload: map[string]string{
			"status":  batch.Status,
			"success": fmt.Sprint(batch.SuccessCount),
			"failed":  fmt.Sprint(batch.FailedCount),
		},
	})
	return batch, nil
}

// executeBatchAtomic runs every child inside one storage transaction.
// A single failure rolls all children back; only the batch record's
// final status survives.
func (s *Service) executeBatchAtomic(ctx context.Context, actor Actor, batch *BatchTransfer) error {
	results := make([]BatchItemResult, len(batch.Items))

	err := s.store.Tx(ctx, func(st Store) error {
		for i, item := range batch.Items {
			tx, _, err := s.doTransfer(ctx, st, actor, s.batchItemInput(batch, i, item))
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			results[i] = BatchItemResult{Index: i, TransactionID: tx.ID}
		}
		return nil
	})

	now := time.Now()
	batch.CompletedAt = &now
	if err != nil {
		batch.Status = BatchFailed
		batch.FailedCount = len(batch.Items)
		batch.Results = []BatchItemResult{{Error: err.Error()}}
	} else {
		batch.Status = BatchCompleted
		batch.SuccessCount = len(batch.Items)
		batch.Results = results
	}

	if updErr := s.store.Tx(ctx, func(st Store) error {
		return st.UpdateBatch(ctx, batch)
	}); updErr != nil {
		return updErr
	}
	return err
}

// executeBatchPerItem runs each child in its own sub-transaction and
// records per-item outcomes.
func (s *Service) executeBatchPerItem(ctx context.Context, actor Actor, batch *BatchTransfer) error {
	results := make([]BatchItemResult, len(batch.Items))

	for i, item := range batch.Items {
		var tx *Transaction
		err := s.store.Tx(ctx, func(st Store) error {
			var err error
			tx, _, err = s.doTransfer(ctx, st, actor, s.batchItemInput(batch, i, item))
			return err
		})
		if err != nil {
			batch.FailedCount++
			results[i] = BatchItemResult{Index: i, Error: err.Error()}
			continue
		}
		batch.SuccessCount++
		results[i] = BatchItemResult{Index: i, TransactionID: tx.ID}
	}

	switch {
	case batch.FailedCount == 0:
		batch.Status = BatchCompleted
	case batch.SuccessCount == 0:
		batch.Status = BatchFailed
	default:
		batch.Status = BatchPartial
	}
	now := time.Now()
	batch.CompletedAt = &now
	batch.Results = results
	return s.store.Tx(ctx, func(st Store) error {
		return st.UpdateBatch(ctx, batch)
	})
}

func (s *Service) batchItemInput(batch *BatchTransfer, index int, item TransferSpec) TransferInput {
	in := TransferInput{
		From:    item.From,
		To:      item.To,
		Amount:  item.Amount,
		Type:    item.Type,
		Memo:    item.Memo,
		BatchID: batch.ID,
	}
	if in.Type == "" {
		in.Type = TypeTransfer
	}
	if batch.IdempotencyKey != "" {
		in.IdempotencyKey = fmt.Sprintf("%s#%d", batch.IdempotencyKey, index)
	}
	return in
}

// GetBatch returns a batch by id.
func (s *Service) GetBatch(ctx context.Context, actor Actor, id string) (*BatchTransfer, error) {
	if err := Authorize(actor, "getBatch", ""); err != nil {
		return nil, err
	}
	return s.store.GetBatch(ctx, id)
}
