package distribution

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/repository"
)

// Rotator moves claim winners to the tail of the roster.
type Rotator struct {
	store  repository.Store
	logger *zap.SugaredLogger
}

func NewRotator(store repository.Store, logger *zap.SugaredLogger) *Rotator {
	return &Rotator{store: store, logger: logging.OrNop(logger).Named("rotator")}
}

// RotateToTail reports whether the agent's position changed.
func (r *Rotator) RotateToTail(ctx context.Context, salesID string) (bool, error) {
	var rotated bool
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		rotated, err = rotateToTail(ctx, tx, salesID)
		return err
	})
	if err != nil {
		return false, err
	}
	if rotated {
		r.logger.Infow("agent rotated to tail", "sales_id", salesID)
	}
	return rotated, nil
}

// rotateToTail gives salesID the order max+1 over the whole roster. It is a
// no-op when the agent already holds the highest active order.
func rotateToTail(ctx context.Context, tx repository.QueueStore, salesID string) (bool, error) {
	entries, err := tx.ListQueue(ctx)
	if err != nil {
		return false, errors.Wrap(err, "list queue")
	}

	var (
		current   *int
		maxOrder  int
		maxActive int
		hasActive bool
	)
	for i := range entries {
		entry := entries[i]
		if entry.SalesID == salesID {
			order := entry.Order
			current = &order
		}
		if entry.Order > maxOrder {
			maxOrder = entry.Order
		}
		if entry.Active && (!hasActive || entry.Order > maxActive) {
			maxActive = entry.Order
			hasActive = true
		}
	}
	if current == nil {
		return false, nil
	}
	if hasActive && *current >= maxActive {
		return false, nil
	}

	ok, err := tx.UpdateQueueOrder(ctx, salesID, *current, maxOrder+1)
	if err != nil {
		return false, errors.Wrap(err, "update queue order")
	}
	return ok, nil
}
