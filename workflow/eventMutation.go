package workflow

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

const moduleEventMutation = "workflow/eventMutation.go"

// The mutation coordinator is the only write path into the event tables.
// Every mutation holds the redis lock for each touched batch key, then
// applies the event row change and its cache effects in one database
// transaction, so the caches never drift from the events on any outcome.

// RecordEvent validates and persists a new stock event and folds its
// projected delta into the caches. Returns the new event id.
func RecordEvent(ctx context.Context, kind models.EventKind, input *models.NewStockEvent) (int, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return 0, models.ErrDBNotInitialized
	}
	if err := input.Validate(kind); err != nil {
		return 0, err
	}

	key := models.BatchKey{ProductId: input.ProductId, BatchNumber: input.BatchNumber}
	release, err := AcquireBatchLocks(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	createdBy, _ := utils.GetUserIdFromContext(ctx)
	var eventId int
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := models.InsertEvent(tx, kind, input, createdBy)
		if err != nil {
			return err
		}
		eventId = row.EventId
		delta, err := models.Project(row)
		if err != nil {
			return err
		}
		if delta == nil {
			return nil
		}
		if err := resolveUnparsedExpiry(tx, delta, row.Expiry); err != nil {
			return err
		}
		if err := models.ApplyBatchDelta(tx, delta); err != nil {
			return err
		}
		return models.RecomputeProductCache(tx, key.ProductId)
	})
	if err != nil {
		config.LogError(logger, moduleEventMutation, "RecordEvent", "recording stock event", kind, err)
		return 0, err
	}
	return eventId, nil
}

// UpdateEvent replaces an existing event's payload and reconciles the
// caches with the difference between the old and new projections. A key
// change reverses the old delta on the old key and applies the new delta
// on the new key, with both keys locked for the whole transaction.
func UpdateEvent(ctx context.Context, kind models.EventKind, id int, input *models.NewStockEvent) error {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return models.ErrDBNotInitialized
	}
	if err := input.Validate(kind); err != nil {
		return err
	}

	newKey := models.BatchKey{ProductId: input.ProductId, BatchNumber: input.BatchNumber}
	release, err := lockEventKey(ctx, db, kind, id, newKey)
	if err != nil {
		return err
	}
	defer release()

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		oldRow, err := models.GetEventRow(tx, kind, id)
		if err != nil {
			return err
		}
		oldDelta, err := models.Project(oldRow)
		if err != nil {
			return err
		}
		newRow, err := models.UpdateEventRow(tx, kind, id, input)
		if err != nil {
			return err
		}
		newDelta, err := models.Project(newRow)
		if err != nil {
			return err
		}
		if newDelta != nil {
			if err := resolveUnparsedExpiry(tx, newDelta, newRow.Expiry); err != nil {
				return err
			}
		}

		if oldDelta != nil && newDelta != nil && oldDelta.Key == newDelta.Key {
			net := newDelta.Qty.Sub(oldDelta.Qty)
			if !net.IsZero() {
				combined := &models.BatchDelta{
					Key:       newDelta.Key,
					Expiry:    newDelta.Expiry,
					Qty:       net,
					Rates:     newDelta.Rates,
					EventId:   newDelta.EventId,
					EventDate: newDelta.EventDate,
				}
				if err := models.ApplyBatchDelta(tx, combined); err != nil {
					return mapInsufficiency(err, oldDelta.Qty.IsPositive())
				}
			}
			if err := models.RefreshBatchDescriptors(tx, newDelta.Key); err != nil {
				return err
			}
			return models.RecomputeProductCache(tx, newDelta.Key.ProductId)
		}

		products := map[int]bool{}
		if oldDelta != nil {
			if err := models.ApplyBatchDelta(tx, oldDelta.Inverse()); err != nil {
				return mapInsufficiency(err, oldDelta.Qty.IsPositive())
			}
			if err := models.RefreshBatchDescriptors(tx, oldDelta.Key); err != nil {
				return err
			}
			products[oldDelta.Key.ProductId] = true
		}
		if newDelta != nil {
			if err := models.ApplyBatchDelta(tx, newDelta); err != nil {
				return err
			}
			if err := models.RefreshBatchDescriptors(tx, newDelta.Key); err != nil {
				return err
			}
			products[newDelta.Key.ProductId] = true
		}
		for productId := range products {
			if err := models.RecomputeProductCache(tx, productId); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, moduleEventMutation, "UpdateEvent", "updating stock event",
			fmt.Sprintf("%s %d", kind, id), err)
	}
	return err
}

// DeleteEvent removes an event and reverses its projected delta.
// Removing an inbound event whose quantity already backs later outbound
// movements is rejected with OverdrawRejectionError and nothing changes.
func DeleteEvent(ctx context.Context, kind models.EventKind, id int) error {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return models.ErrDBNotInitialized
	}

	release, err := lockEventKey(ctx, db, kind, id)
	if err != nil {
		return err
	}
	defer release()

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := models.GetEventRow(tx, kind, id)
		if err != nil {
			return err
		}
		delta, err := models.Project(row)
		if err != nil {
			return err
		}
		if err := models.DeleteEventRow(tx, kind, id); err != nil {
			return err
		}
		if delta == nil {
			return nil
		}
		if err := models.ApplyBatchDelta(tx, delta.Inverse()); err != nil {
			return mapInsufficiency(err, delta.Qty.IsPositive())
		}
		if err := models.RefreshBatchDescriptors(tx, delta.Key); err != nil {
			return err
		}
		return models.RecomputeProductCache(tx, delta.Key.ProductId)
	})
	if err != nil {
		config.LogError(logger, moduleEventMutation, "DeleteEvent", "deleting stock event",
			fmt.Sprintf("%s %d", kind, id), err)
	}
	return err
}

// lockEventKey locks the batch key the event row currently lives on,
// plus any extra keys, and re-reads the row after acquisition: a
// concurrent update may move the event to a different key between the
// initial read and the lock, in which case the stale lock is released
// and the acquisition starts over on the fresh key.
func lockEventKey(ctx context.Context, db *gorm.DB, kind models.EventKind, id int, extra ...models.BatchKey) (func(), error) {
	for {
		row, err := models.GetEventRow(db.WithContext(ctx), kind, id)
		if err != nil {
			return nil, err
		}
		key := models.BatchKey{
			ProductId:   row.ProductId,
			BatchNumber: models.CanonicalizeBatchNumber(row.BatchNumber),
		}
		release, err := AcquireBatchLocks(ctx, append([]models.BatchKey{key}, extra...)...)
		if err != nil {
			return nil, err
		}
		current, err := models.GetEventRow(db.WithContext(ctx), kind, id)
		if err != nil {
			release()
			return nil, err
		}
		currentKey := models.BatchKey{
			ProductId:   current.ProductId,
			BatchNumber: models.CanonicalizeBatchNumber(current.BatchNumber),
		}
		if currentKey == key {
			return release, nil
		}
		release()
	}
}

// resolveUnparsedExpiry applies the strict-expiry policy to a delta
// whose raw expiry failed canonicalization: reject when strict,
// otherwise record the anomaly and carry on with an unknown expiry.
func resolveUnparsedExpiry(tx *gorm.DB, delta *models.BatchDelta, rawExpiry string) error {
	if !delta.ExpiryUnparsed {
		return nil
	}
	if config.StrictExpiry() {
		return fmt.Errorf("%w: unrecognized expiry %q", models.ErrInvalidEvent, rawExpiry)
	}
	models.LogAnomaly(tx, models.AnomalyExpiryUnparseable, delta.Key.ProductId, delta.Key.BatchNumber,
		fmt.Sprintf("event %d expiry %q could not be canonicalized", delta.EventId, rawExpiry))
	return nil
}

// mapInsufficiency translates an insufficient-stock rejection into an
// overdraw rejection when the failing movement reverses inbound stock
// that later outbound events already consumed.
func mapInsufficiency(err error, reversesInbound bool) error {
	var insufficient *models.InsufficientStockError
	if reversesInbound && errors.As(err, &insufficient) {
		return &models.OverdrawRejectionError{
			ProductId:   insufficient.ProductId,
			BatchNumber: insufficient.BatchNumber,
			Backing:     insufficient.Current,
			Removed:     insufficient.Requested,
		}
	}
	return err
}
