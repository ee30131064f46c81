package models

import (
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BatchInventoryCache is the per-(product, batch) projection entry.
// Invariants maintained by every writer:
//   - current_stock equals the signed sum of surviving events for the key
//   - current_stock is strictly positive; an entry that would reach zero
//     is deleted instead of stored
//   - descriptors (expiry, rates) mirror the most recent inbound event
type BatchInventoryCache struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ProductId    int             `gorm:"uniqueIndex:uix_batch_cache_key;index;not null" json:"product_id"`
	BatchNumber  string          `gorm:"uniqueIndex:uix_batch_cache_key;size:100;not null" json:"batch_number"`
	Expiry       string          `gorm:"size:7" json:"expiry"`
	ExpirySort   string          `gorm:"size:7;index" json:"expiry_sort"`
	CurrentStock decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_stock"`
	Mrp          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"mrp"`
	PurchaseRate decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_rate"`
	RateA        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate_a"`
	RateB        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate_b"`
	RateC        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate_c"`
	IsExpired    *bool           `gorm:"not null;default:false;index" json:"is_expired"`
	ExpiryStatus ExpiryStatus    `gorm:"type:enum('valid','expiring_soon','expired','unknown');default:'unknown'" json:"expiry_status"`
	LastEventAt  time.Time       `json:"last_event_at"`
	LastEventId  int             `json:"last_event_id"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BatchInventoryCache) TableName() string {
	return "batch_inventory_cache"
}

func (b *BatchInventoryCache) Key() BatchKey {
	return BatchKey{ProductId: b.ProductId, BatchNumber: b.BatchNumber}
}

// RateFor picks the tier sale rate, falling back to MRP when the tier is
// unset.
func (b *BatchInventoryCache) RateFor(tier RateTier) decimal.Decimal {
	switch tier {
	case RateTierA:
		return b.RateA
	case RateTierB:
		return b.RateB
	case RateTierC:
		return b.RateC
	}
	return b.Mrp
}

func (b *BatchInventoryCache) refreshExpiryStatus(now time.Time) {
	status, expired := ExpiryStatusFor(b.Expiry, now)
	b.ExpiryStatus = status
	if expired {
		b.IsExpired = utils.NewTrue()
	} else {
		b.IsExpired = utils.NewFalse()
	}
}

func (b *BatchInventoryCache) setDescriptors(expiry string, rates RateBundle, eventAt time.Time, eventId int) {
	b.Expiry = expiry
	b.ExpirySort = ExpirySortKey(expiry)
	b.Mrp = rates.Mrp
	b.PurchaseRate = rates.PurchaseRate
	b.RateA = rates.RateA
	b.RateB = rates.RateB
	b.RateC = rates.RateC
	b.LastEventAt = eventAt
	b.LastEventId = eventId
}

// lockBatchEntry loads the cache entry for key under SELECT ... FOR
// UPDATE. Returns (nil, nil) when the key has no entry.
func lockBatchEntry(tx *gorm.DB, key BatchKey) (*BatchInventoryCache, error) {
	var entry BatchInventoryCache
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ? AND batch_number = ?", key.ProductId, key.BatchNumber).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ApplyBatchDelta folds one projected delta into the batch cache inside
// the caller's transaction. The entry row is locked for the duration.
// A negative delta against missing or insufficient stock returns
// InsufficientStockError; callers reversing inbound events translate
// that into an overdraw rejection.
func ApplyBatchDelta(tx *gorm.DB, d *BatchDelta) error {
	entry, err := lockBatchEntry(tx, d.Key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if entry == nil {
		if !d.Qty.IsPositive() {
			return &InsufficientStockError{
				ProductId:   d.Key.ProductId,
				BatchNumber: d.Key.BatchNumber,
				Current:     decimal.Zero,
				Requested:   d.Qty.Neg(),
			}
		}
		entry = &BatchInventoryCache{
			ProductId:    d.Key.ProductId,
			BatchNumber:  d.Key.BatchNumber,
			CurrentStock: d.Qty,
		}
		if d.Rates != nil {
			entry.setDescriptors(d.Expiry, *d.Rates, d.EventDate, d.EventId)
		} else {
			// entry resurrected by reversing an outbound movement; the
			// caller re-derives rates from surviving inbound events
			entry.Expiry = d.Expiry
			entry.ExpirySort = ExpirySortKey(d.Expiry)
		}
		entry.refreshExpiryStatus(now)
		if err := tx.Create(entry).Error; err != nil {
			// a writer whose lock expired mid-transaction may have created
			// the row after our existence check; fold into it instead
			if isDuplicateKeyErr(err) {
				return ApplyBatchDelta(tx, d)
			}
			return err
		}
		return nil
	}

	if d.Expiry != "" && entry.Expiry != "" && d.Expiry != entry.Expiry {
		LogAnomaly(tx, AnomalyExpiryMismatch, d.Key.ProductId, d.Key.BatchNumber,
			fmt.Sprintf("event %d carries expiry %s but cache has %s", d.EventId, d.Expiry, entry.Expiry))
	} else if entry.Expiry == "" && d.Expiry != "" {
		// first parseable expiry upgrades an unknown batch
		entry.Expiry = d.Expiry
		entry.ExpirySort = ExpirySortKey(d.Expiry)
	}

	newStock := entry.CurrentStock.Add(d.Qty)
	if newStock.IsNegative() {
		return &InsufficientStockError{
			ProductId:   d.Key.ProductId,
			BatchNumber: d.Key.BatchNumber,
			Current:     entry.CurrentStock,
			Requested:   d.Qty.Neg(),
		}
	}
	if newStock.IsZero() {
		return tx.Delete(&BatchInventoryCache{}, entry.ID).Error
	}

	entry.CurrentStock = newStock
	if d.Rates != nil && isNewerEvent(d.EventDate, d.EventId, entry.LastEventAt, entry.LastEventId) {
		entry.setDescriptors(firstNonEmpty(d.Expiry, entry.Expiry), *d.Rates, d.EventDate, d.EventId)
	}
	entry.refreshExpiryStatus(now)
	return tx.Save(entry).Error
}

func isNewerEvent(at time.Time, id int, lastAt time.Time, lastId int) bool {
	if at.After(lastAt) {
		return true
	}
	return at.Equal(lastAt) && id >= lastId
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// RefreshBatchDescriptors re-derives the entry's descriptors from the
// surviving inbound events for the key. Used after an inbound event is
// updated or deleted, when the cached descriptors may belong to a row
// that no longer exists or no longer leads.
func RefreshBatchDescriptors(tx *gorm.DB, key BatchKey) error {
	entry, err := lockBatchEntry(tx, key)
	if err != nil || entry == nil {
		return err
	}
	newest, err := NewestInboundRow(tx, key)
	if err != nil {
		return err
	}
	if newest == nil || newest.Rates == nil {
		return nil
	}
	expiry, _ := CanonicalizeExpiry(newest.Expiry)
	entry.setDescriptors(expiry, *newest.Rates, newest.EventDate, newest.EventId)
	entry.refreshExpiryStatus(time.Now().UTC())
	return tx.Save(entry).Error
}

// CheckBatchInvariant compares the cached stock for key against the
// signed sum recomputed from the event tables. Returns
// CacheDivergenceError when they differ, including entries that exist at
// zero or negative stock. A negative sum with no cache entry is the
// correct cache state for a broken ledger: a rebuild cannot materialize
// it, so it is recorded once as a negative_rebuild_sum anomaly instead
// of a divergence that would re-trigger rebuilds on every sweep.
func CheckBatchInvariant(tx *gorm.DB, key BatchKey) error {
	computed, err := ComputeBatchStock(tx, key)
	if err != nil {
		return err
	}
	var entry BatchInventoryCache
	cached := decimal.Zero
	err = tx.Where("product_id = ? AND batch_number = ?", key.ProductId, key.BatchNumber).
		First(&entry).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) && computed.IsNegative() {
		var seen int64
		countErr := tx.Model(&InventoryAnomaly{}).
			Where("kind = ? AND product_id = ? AND batch_number = ?",
				AnomalyNegativeRebuild, key.ProductId, key.BatchNumber).
			Count(&seen).Error
		if countErr != nil {
			return countErr
		}
		if seen == 0 {
			LogAnomaly(tx, AnomalyNegativeRebuild, key.ProductId, key.BatchNumber,
				fmt.Sprintf("event sum is %s", computed.String()))
		}
		return nil
	}
	if err == nil {
		cached = entry.CurrentStock
		if !cached.IsPositive() {
			return &CacheDivergenceError{
				ProductId:   key.ProductId,
				BatchNumber: key.BatchNumber,
				Cached:      cached,
				Computed:    computed,
			}
		}
	}
	if !cached.Equal(computed) {
		return &CacheDivergenceError{
			ProductId:   key.ProductId,
			BatchNumber: key.BatchNumber,
			Cached:      cached,
			Computed:    computed,
		}
	}
	return nil
}

// BuildBatchCacheEntry recomputes a complete cache entry for key from
// the event tables. Returns nil when the key nets to zero; a negative
// sum is recorded as an anomaly and also yields nil so a rebuild never
// persists negative stock.
func BuildBatchCacheEntry(tx *gorm.DB, key BatchKey) (*BatchInventoryCache, error) {
	total, err := ComputeBatchStock(tx, key)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return nil, nil
	}
	if total.IsNegative() {
		LogAnomaly(tx, AnomalyNegativeRebuild, key.ProductId, key.BatchNumber,
			fmt.Sprintf("event sum is %s", total.String()))
		return nil, nil
	}
	entry := &BatchInventoryCache{
		ProductId:    key.ProductId,
		BatchNumber:  key.BatchNumber,
		CurrentStock: total,
		ExpirySort:   ExpirySortKey(""),
	}
	newest, err := NewestInboundRow(tx, key)
	if err != nil {
		return nil, err
	}
	if newest != nil && newest.Rates != nil {
		expiry, _ := CanonicalizeExpiry(newest.Expiry)
		entry.setDescriptors(expiry, *newest.Rates, newest.EventDate, newest.EventId)
	}
	entry.refreshExpiryStatus(time.Now().UTC())
	return entry, nil
}

// GetBatchCache returns the entry for (productId, batchNumber), or nil
// when the batch holds no stock.
func GetBatchCache(tx *gorm.DB, productId int, batchNumber string) (*BatchInventoryCache, error) {
	var entry BatchInventoryCache
	err := tx.Where("product_id = ? AND batch_number = ?", productId, CanonicalizeBatchNumber(batchNumber)).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListBatchCachesByProduct returns the product's batch entries ordered
// soonest expiry first, unknown expiries last, ties by batch number.
func ListBatchCachesByProduct(tx *gorm.DB, productId int) ([]BatchInventoryCache, error) {
	var entries []BatchInventoryCache
	err := tx.Where("product_id = ?", productId).
		Order("expiry_sort ASC, batch_number ASC").
		Find(&entries).Error
	return entries, err
}
