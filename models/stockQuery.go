package models

import (
	"context"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

// Read API over the caches. All reads are plain committed reads; the
// mutation path keeps the caches consistent with the event tables, so a
// query observes the state as of the last committed write.

// Stock returns the current stock for one batch. A missing entry is
// zero stock, not an error.
func Stock(ctx context.Context, productId int, batchNumber string) (decimal.Decimal, error) {
	db := config.GetDB()
	if db == nil {
		return decimal.Zero, ErrDBNotInitialized
	}
	entry, err := GetBatchCache(db.WithContext(ctx), productId, batchNumber)
	if err != nil {
		return decimal.Zero, err
	}
	if entry == nil {
		return decimal.Zero, nil
	}
	return entry.CurrentStock, nil
}

// Available reports whether the batch can cover qty. With STRICT_EXPIRY
// set, expired batches cover nothing.
func Available(ctx context.Context, productId int, batchNumber string, qty decimal.Decimal) (bool, error) {
	db := config.GetDB()
	if db == nil {
		return false, ErrDBNotInitialized
	}
	entry, err := GetBatchCache(db.WithContext(ctx), productId, batchNumber)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	if config.StrictExpiry() && utils.DereferencePtr(entry.IsExpired, false) {
		return false, nil
	}
	return entry.CurrentStock.GreaterThanOrEqual(qty), nil
}

// BatchesForProduct lists the product's batches with stock, soonest
// expiry first. includeExpired=false drops expired batches from the
// listing, matching the dispensing counter view.
func BatchesForProduct(ctx context.Context, productId int, includeExpired bool) ([]BatchInventoryCache, error) {
	db := config.GetDB()
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	query := db.WithContext(ctx).Where("product_id = ?", productId)
	if !includeExpired {
		query = query.Where("is_expired = ?", false)
	}
	var entries []BatchInventoryCache
	err := query.Order("expiry_sort ASC, batch_number ASC").Find(&entries).Error
	return entries, err
}

// ProductSummary returns the product rollup. A product with no stock
// yields an out_of_stock summary rather than an error.
func ProductSummary(ctx context.Context, productId int) (*ProductInventoryCache, error) {
	db := config.GetDB()
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	entry, err := GetProductCache(db.WithContext(ctx), productId)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &ProductInventoryCache{
			ProductId:         productId,
			TotalStock:        decimal.Zero,
			StockStatus:       StockStatusOutOfStock,
			HasExpiredBatches: utils.NewFalse(),
		}
	}
	return entry, nil
}

// ProductsByStatus lists product rollups matching the given status, or
// every rollup when status is empty.
func ProductsByStatus(ctx context.Context, status StockStatus) ([]ProductInventoryCache, error) {
	db := config.GetDB()
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	return ListProductCaches(db.WithContext(ctx), status)
}
