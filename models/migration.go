package models

import (
	"bitbucket.org/mmdatafocus/pharma_backend/config"
)

// MigrateTable auto-migrates every table the engine owns. Staging tables
// used by the full rebuild are created on demand with CREATE TABLE LIKE
// and are not part of the schema here.
func MigrateTable() error {
	db := config.GetDB()
	if db == nil {
		return ErrDBNotInitialized
	}
	return db.AutoMigrate(
		&Purchase{},
		&SupplierChallanItem{},
		&Sale{},
		&CustomerChallanItem{},
		&PurchaseReturn{},
		&SalesReturn{},
		&StockIssue{},
		&BatchInventoryCache{},
		&ProductInventoryCache{},
		&InventoryAnomaly{},
	)
}
