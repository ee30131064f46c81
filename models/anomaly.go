package models

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
)

// InventoryAnomaly is an append-only observation of data that looks
// wrong but must not block the write that surfaced it.
type InventoryAnomaly struct {
	ID          int         `gorm:"primary_key" json:"id"`
	Kind        AnomalyKind `gorm:"type:enum('expiry_mismatch','expiry_unparseable','negative_rebuild_sum','cache_divergence');index" json:"kind"`
	ProductId   int         `gorm:"index" json:"product_id"`
	BatchNumber string      `gorm:"size:100" json:"batch_number"`
	Detail      string      `gorm:"type:text" json:"detail"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (InventoryAnomaly) TableName() string {
	return "inventory_anomalies"
}

// LogAnomaly records an anomaly row and emits a structured warning.
// Persistence failures are logged and swallowed: an anomaly is never
// allowed to fail the write that detected it.
func LogAnomaly(tx *gorm.DB, kind AnomalyKind, productId int, batchNumber string, detail string) {
	logger := config.GetLogger()
	logger.WithFields(logrus.Fields{
		"event":        "inv.anomaly",
		"kind":         kind,
		"product_id":   productId,
		"batch_number": batchNumber,
		"detail":       detail,
	}).Warn("inventory anomaly detected")

	anomaly := InventoryAnomaly{
		Kind:        kind,
		ProductId:   productId,
		BatchNumber: batchNumber,
		Detail:      detail,
	}
	if err := tx.Create(&anomaly).Error; err != nil {
		config.LogError(logger, "models/anomaly.go", "LogAnomaly", "persisting anomaly", string(kind), err)
	}
}

// ListAnomalies returns the most recent anomaly rows, newest first.
func ListAnomalies(tx *gorm.DB, limit int) ([]InventoryAnomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []InventoryAnomaly
	err := tx.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func CountAnomalies(tx *gorm.DB) (int64, error) {
	var n int64
	err := tx.Model(&InventoryAnomaly{}).Count(&n).Error
	return n, err
}
