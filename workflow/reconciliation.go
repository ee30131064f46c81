package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
)

const moduleReconciliation = "workflow/reconciliation.go"

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	KeysChecked     int           `json:"keys_checked"`
	DivergentKeys   int           `json:"divergent_keys"`
	ProductsRebuilt int           `json:"products_rebuilt"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// ReconcileProduct recomputes the signed event sum for every batch key
// of a product and compares it against the cache. Each divergence is
// recorded as an anomaly; any divergence triggers a targeted rebuild of
// the product.
func ReconcileProduct(ctx context.Context, productId int) (*ReconcileReport, error) {
	db := config.GetDB()
	if db == nil {
		return nil, models.ErrDBNotInitialized
	}
	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	divergent, err := checkProductKeys(db.WithContext(ctx), productId, report)
	if err != nil {
		return nil, err
	}
	if divergent {
		if _, err := RebuildProduct(ctx, productId); err != nil {
			return nil, err
		}
		report.ProductsRebuilt = 1
	}
	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

// ReconcileAll sweeps every batch key in the system in key order,
// rebuilding each product found divergent. Intended for a periodic
// consistency job; it takes no locks while checking and relies on the
// per-product rebuild to serialize with writers.
func ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return nil, models.ErrDBNotInitialized
	}
	report := &ReconcileReport{StartedAt: time.Now().UTC()}

	batchSize := config.RebuildBatchSize()
	divergentProducts := map[int]bool{}
	var after *models.BatchKey
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys, err := models.ListBatchKeys(db.WithContext(ctx), after, batchSize)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			break
		}
		for _, key := range keys {
			if diverged, err := checkKey(db.WithContext(ctx), key, report); err != nil {
				return nil, err
			} else if diverged {
				divergentProducts[key.ProductId] = true
			}
		}
		last := keys[len(keys)-1]
		after = &last
	}

	for productId := range divergentProducts {
		if _, err := RebuildProduct(ctx, productId); err != nil {
			config.LogError(logger, moduleReconciliation, "ReconcileAll", "rebuilding divergent product", productId, err)
			return nil, err
		}
		report.ProductsRebuilt++
	}
	report.Duration = time.Since(report.StartedAt)

	logger.WithFields(logrus.Fields{
		"keys_checked":     report.KeysChecked,
		"divergent_keys":   report.DivergentKeys,
		"products_rebuilt": report.ProductsRebuilt,
		"duration":         report.Duration.String(),
	}).Info("inv.reconcile.end")
	return report, nil
}

func checkProductKeys(db *gorm.DB, productId int, report *ReconcileReport) (bool, error) {
	keys, err := models.ListBatchKeysForProduct(db, productId)
	if err != nil {
		return false, err
	}
	divergent := false
	for _, key := range keys {
		diverged, err := checkKey(db, key, report)
		if err != nil {
			return false, err
		}
		divergent = divergent || diverged
	}
	return divergent, nil
}

func checkKey(db *gorm.DB, key models.BatchKey, report *ReconcileReport) (bool, error) {
	report.KeysChecked++
	err := models.CheckBatchInvariant(db, key)
	if err == nil {
		return false, nil
	}
	var divergence *models.CacheDivergenceError
	if errors.As(err, &divergence) {
		report.DivergentKeys++
		models.LogAnomaly(db, models.AnomalyCacheDivergence, key.ProductId, key.BatchNumber, divergence.Error())
		return true, nil
	}
	return false, err
}
