package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
)

const moduleInventoryRebuild = "workflow/inventoryRebuild.go"

const (
	batchStagingTable   = "batch_inventory_cache_staging"
	productStagingTable = "product_inventory_cache_staging"
	lastRebuildRedisKey = "inventory:last_rebuild"
	rebuildLockKey      = "lock:stock:rebuild"
)

// RebuildReport summarizes one rebuild run. The latest report is kept in
// redis for the ops surface.
type RebuildReport struct {
	Scope          string        `json:"scope"`
	BatchEntries   int           `json:"batch_entries"`
	ProductEntries int           `json:"product_entries"`
	KeysScanned    int           `json:"keys_scanned"`
	AnomaliesAdded int64         `json:"anomalies_added"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// RebuildProduct drops and recomputes the cache entries of a single
// product from its event tables, inside one transaction, holding the
// write lock of every key the product touches. Readers of other
// products are unaffected.
func RebuildProduct(ctx context.Context, productId int) (*RebuildReport, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return nil, models.ErrDBNotInitialized
	}
	report := &RebuildReport{Scope: fmt.Sprintf("product:%d", productId), StartedAt: time.Now().UTC()}

	keys, err := models.ListBatchKeysForProduct(db.WithContext(ctx), productId)
	if err != nil {
		return nil, err
	}
	release, err := AcquireBatchLocks(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	before, err := models.CountAnomalies(db.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.BatchInventoryCache{}, "product_id = ?", productId).Error; err != nil {
			return err
		}
		// key list is re-read inside the transaction; events may have
		// moved between the lock acquisition reads and here
		keys, err := models.ListBatchKeysForProduct(tx, productId)
		if err != nil {
			return err
		}
		report.KeysScanned = len(keys)
		for _, key := range keys {
			entry, err := models.BuildBatchCacheEntry(tx, key)
			if err != nil {
				return err
			}
			if entry == nil {
				continue
			}
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
			report.BatchEntries++
		}
		if err := models.RecomputeProductCache(tx, productId); err != nil {
			return err
		}
		if report.BatchEntries > 0 {
			report.ProductEntries = 1
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, moduleInventoryRebuild, "RebuildProduct", "rebuilding product cache", productId, err)
		return nil, err
	}
	after, _ := models.CountAnomalies(db.WithContext(ctx))
	report.AnomaliesAdded = after - before
	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

// RebuildAll recomputes the whole cache into staging tables and swaps
// them in atomically with RENAME TABLE, so readers see either the old
// cache or the complete new one. Keys are processed in (product_id,
// batch_number) order in groups of REBUILD_BATCH_SIZE, each group in its
// own transaction, and the run honors context cancellation between
// groups. Concurrent event writes are not blocked; run a full rebuild
// while writes are quiesced or follow it with a reconciliation sweep.
func RebuildAll(ctx context.Context) (*RebuildReport, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return nil, models.ErrDBNotInitialized
	}
	report := &RebuildReport{Scope: "all", StartedAt: time.Now().UTC()}

	// one full rebuild at a time
	release, err := acquireRebuildLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	logger.WithFields(logrus.Fields{
		"scope":      report.Scope,
		"batch_size": config.RebuildBatchSize(),
	}).Info("inv.rebuild.start")

	before, err := models.CountAnomalies(db.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if err := createStagingTables(db.WithContext(ctx)); err != nil {
		return nil, err
	}
	cleanup := func() { dropStagingTables(db) }

	batchSize := config.RebuildBatchSize()
	var after *models.BatchKey
	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}
		keys, err := models.ListBatchKeys(db.WithContext(ctx), after, batchSize)
		if err != nil {
			cleanup()
			return nil, err
		}
		if len(keys) == 0 {
			break
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			entries := make([]models.BatchInventoryCache, 0, len(keys))
			for _, key := range keys {
				entry, err := models.BuildBatchCacheEntry(tx, key)
				if err != nil {
					return err
				}
				if entry != nil {
					entries = append(entries, *entry)
				}
			}
			if len(entries) == 0 {
				return nil
			}
			if err := tx.Table(batchStagingTable).Create(&entries).Error; err != nil {
				return err
			}
			report.BatchEntries += len(entries)
			return nil
		})
		if err != nil {
			cleanup()
			config.LogError(logger, moduleInventoryRebuild, "RebuildAll", "staging batch entries", after, err)
			return nil, err
		}
		report.KeysScanned += len(keys)
		last := keys[len(keys)-1]
		after = &last
	}

	if err := stageProductRollups(ctx, db, report); err != nil {
		cleanup()
		config.LogError(logger, moduleInventoryRebuild, "RebuildAll", "staging product rollups", nil, err)
		return nil, err
	}

	if err := swapStagingTables(db.WithContext(ctx)); err != nil {
		cleanup()
		config.LogError(logger, moduleInventoryRebuild, "RebuildAll", "swapping staging tables", nil, err)
		return nil, err
	}

	afterCount, _ := models.CountAnomalies(db.WithContext(ctx))
	report.AnomaliesAdded = afterCount - before
	report.Duration = time.Since(report.StartedAt)

	_ = config.RemoveRedisKey(lastRebuildRedisKey)
	if err := config.SetRedisObject(lastRebuildRedisKey, report, 0); err != nil {
		config.LogError(logger, moduleInventoryRebuild, "RebuildAll", "storing rebuild report", nil, err)
	}

	logger.WithFields(logrus.Fields{
		"scope":           report.Scope,
		"keys_scanned":    report.KeysScanned,
		"batch_entries":   report.BatchEntries,
		"product_entries": report.ProductEntries,
		"anomalies_added": report.AnomaliesAdded,
		"duration":        report.Duration.String(),
	}).Info("inv.rebuild.end")
	return report, nil
}

// LastRebuildReport returns the report of the most recent full rebuild,
// or nil when none is recorded.
func LastRebuildReport() (*RebuildReport, error) {
	var report RebuildReport
	found, err := config.GetRedisObject(lastRebuildRedisKey, &report)
	if err != nil || !found {
		return nil, err
	}
	return &report, nil
}

func acquireRebuildLock(ctx context.Context) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, fmt.Errorf("redis lock client is not initialized")
	}
	lock, err := locker.Obtain(ctx, rebuildLockKey, time.Hour, nil)
	if err != nil {
		return nil, models.ErrLockTimeout
	}
	return func() { _ = lock.Release(context.Background()) }, nil
}

// stageProductRollups fills the product staging table from the staged
// batch entries, product by product, with the same rollup computation
// the incremental writer uses.
func stageProductRollups(ctx context.Context, db *gorm.DB, report *RebuildReport) error {
	var productIds []int
	err := db.WithContext(ctx).Table(batchStagingTable).
		Distinct("product_id").
		Order("product_id ASC").
		Pluck("product_id", &productIds).Error
	if err != nil {
		return err
	}
	for _, productId := range productIds {
		if err := ctx.Err(); err != nil {
			return err
		}
		var batches []models.BatchInventoryCache
		err := db.WithContext(ctx).Table(batchStagingTable).
			Where("product_id = ?", productId).
			Order("expiry_sort ASC, batch_number ASC").
			Find(&batches).Error
		if err != nil {
			return err
		}
		rollup := models.ComputeProductRollup(productId, batches)
		if rollup == nil {
			continue
		}
		if err := db.WithContext(ctx).Table(productStagingTable).Create(rollup).Error; err != nil {
			return err
		}
		report.ProductEntries++
	}
	return nil
}

func createStagingTables(db *gorm.DB) error {
	dropStagingTables(db)
	if err := db.Exec("CREATE TABLE " + batchStagingTable + " LIKE batch_inventory_cache").Error; err != nil {
		return err
	}
	return db.Exec("CREATE TABLE " + productStagingTable + " LIKE product_inventory_cache").Error
}

func dropStagingTables(db *gorm.DB) {
	db.Exec("DROP TABLE IF EXISTS " + batchStagingTable)
	db.Exec("DROP TABLE IF EXISTS " + productStagingTable)
}

func swapStagingTables(db *gorm.DB) error {
	err := db.Exec("RENAME TABLE " +
		"batch_inventory_cache TO batch_inventory_cache_old, " +
		batchStagingTable + " TO batch_inventory_cache, " +
		"product_inventory_cache TO product_inventory_cache_old, " +
		productStagingTable + " TO product_inventory_cache").Error
	if err != nil {
		return err
	}
	db.Exec("DROP TABLE IF EXISTS batch_inventory_cache_old")
	db.Exec("DROP TABLE IF EXISTS product_inventory_cache_old")
	return nil
}
