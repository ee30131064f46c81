package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

// ProductInventoryCache is the per-product rollup of its batch entries.
// It never exists for a product with zero batches.
type ProductInventoryCache struct {
	ProductId         int             `gorm:"primary_key" json:"product_id"`
	TotalStock        decimal.Decimal `gorm:"type:decimal(20,4);default:0;index" json:"total_stock"`
	TotalBatches      int             `gorm:"default:0" json:"total_batches"`
	AvgMrp            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"avg_mrp"`
	AvgPurchaseRate   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"avg_purchase_rate"`
	TotalStockValue   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_stock_value"`
	StockStatus       StockStatus     `gorm:"type:enum('in_stock','low_stock','out_of_stock');default:'out_of_stock';index" json:"stock_status"`
	HasExpiredBatches *bool           `gorm:"not null;default:false;index" json:"has_expired_batches"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProductInventoryCache) TableName() string {
	return "product_inventory_cache"
}

// StockStatusFor maps a total stock quantity to its categorical status
// using the configured low stock threshold.
func StockStatusFor(total decimal.Decimal) StockStatus {
	if !total.IsPositive() {
		return StockStatusOutOfStock
	}
	if total.LessThanOrEqual(decimal.NewFromInt(int64(config.LowStockThreshold()))) {
		return StockStatusLowStock
	}
	return StockStatusInStock
}

// ComputeProductRollup folds a product's batch entries into its rollup.
// The incremental writer and the full rebuild both call this, so both
// paths produce byte-identical rollups for the same batch set. Returns
// nil for an empty batch set.
func ComputeProductRollup(productId int, batches []BatchInventoryCache) *ProductInventoryCache {
	if len(batches) == 0 {
		return nil
	}
	total := decimal.Zero
	value := decimal.Zero
	mrps := make([]decimal.Decimal, 0, len(batches))
	purchaseRates := make([]decimal.Decimal, 0, len(batches))
	hasExpired := false
	for _, b := range batches {
		total = total.Add(b.CurrentStock)
		value = value.Add(b.CurrentStock.Mul(b.Mrp))
		mrps = append(mrps, b.Mrp)
		purchaseRates = append(purchaseRates, b.PurchaseRate)
		if utils.DereferencePtr(b.IsExpired, false) {
			hasExpired = true
		}
	}
	entry := &ProductInventoryCache{
		ProductId:       productId,
		TotalStock:      total,
		TotalBatches:    len(batches),
		AvgMrp:          utils.DecimalMean(mrps),
		AvgPurchaseRate: utils.DecimalMean(purchaseRates),
		TotalStockValue: value,
		StockStatus:     StockStatusFor(total),
	}
	if hasExpired {
		entry.HasExpiredBatches = utils.NewTrue()
	} else {
		entry.HasExpiredBatches = utils.NewFalse()
	}
	return entry
}

// RecomputeProductCache rewrites the product rollup from its current
// batch entries inside the caller's transaction. When the last batch
// entry is gone the rollup row is deleted.
func RecomputeProductCache(tx *gorm.DB, productId int) error {
	batches, err := ListBatchCachesByProduct(tx, productId)
	if err != nil {
		return err
	}
	entry := ComputeProductRollup(productId, batches)
	if entry == nil {
		err := tx.Delete(&ProductInventoryCache{}, "product_id = ?", productId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return tx.Save(entry).Error
}

// GetProductCache returns the rollup for productId, or nil when the
// product holds no stock.
func GetProductCache(tx *gorm.DB, productId int) (*ProductInventoryCache, error) {
	var entry ProductInventoryCache
	err := tx.First(&entry, "product_id = ?", productId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListProductCaches returns rollups filtered by status ("" for all),
// ordered by product id.
func ListProductCaches(tx *gorm.DB, status StockStatus) ([]ProductInventoryCache, error) {
	query := tx.Order("product_id ASC")
	if status != "" {
		query = query.Where("stock_status = ?", status)
	}
	var entries []ProductInventoryCache
	err := query.Find(&entries).Error
	return entries, err
}
