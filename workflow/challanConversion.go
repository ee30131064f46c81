package workflow

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

const moduleChallanConversion = "workflow/challanConversion.go"

// ConvertSupplierChallan converts every un-invoiced item of a supplier
// challan into purchase rows under the given invoice number. The challan
// items are flagged invoiced and the purchases inserted in the same
// transaction, so the net projected stock of every touched batch is
// unchanged and no quantity is ever counted twice. Returns the number of
// items converted.
func ConvertSupplierChallan(ctx context.Context, supplierId int, challanNo string, invoiceNo string) (int, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return 0, models.ErrDBNotInitialized
	}
	challanNo = utils.TrimShortString(challanNo, 100)
	invoiceNo = utils.TrimShortString(invoiceNo, 100)
	if challanNo == "" || invoiceNo == "" {
		return 0, fmt.Errorf("%w: challan and invoice numbers are required", models.ErrInvalidEvent)
	}

	var items []models.SupplierChallanItem
	err := db.WithContext(ctx).
		Where("supplier_id = ? AND challan_no = ? AND is_invoiced = 0", supplierId, challanNo).
		Find(&items).Error
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: no un-invoiced items on challan %q for supplier %d",
			models.ErrEventNotFound, challanNo, supplierId)
	}

	keys := make([]models.BatchKey, 0, len(items))
	for _, item := range items {
		keys = append(keys, models.BatchKey{
			ProductId:   item.ProductId,
			BatchNumber: models.CanonicalizeBatchNumber(item.BatchNumber),
		})
	}
	release, err := AcquireBatchLocks(ctx, keys...)
	if err != nil {
		return 0, err
	}
	defer release()

	createdBy, _ := utils.GetUserIdFromContext(ctx)
	converted := 0
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []models.SupplierChallanItem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("supplier_id = ? AND challan_no = ? AND is_invoiced = 0", supplierId, challanNo).
			Find(&locked).Error
		if err != nil {
			return err
		}
		touched := map[models.BatchKey]bool{}
		for i := range locked {
			item := &locked[i]
			item.IsInvoiced = utils.NewTrue()
			if err := tx.Save(item).Error; err != nil {
				return err
			}
			purchase := models.Purchase{
				EventBase: models.EventBase{
					ProductId:   item.ProductId,
					BatchNumber: item.BatchNumber,
					Expiry:      item.Expiry,
					Qty:         item.Qty,
					EventDate:   item.EventDate,
					CreatedBy:   createdBy,
				},
				RateBundle: item.RateBundle,
				SupplierId: item.SupplierId,
				InvoiceNo:  invoiceNo,
			}
			if err := tx.Create(&purchase).Error; err != nil {
				return err
			}
			touched[models.BatchKey{
				ProductId:   item.ProductId,
				BatchNumber: models.CanonicalizeBatchNumber(item.BatchNumber),
			}] = true
			converted++
		}
		// descriptor ownership moves from the challan rows to the new
		// purchase rows
		for key := range touched {
			if err := models.RefreshBatchDescriptors(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, moduleChallanConversion, "ConvertSupplierChallan", "converting challan",
			fmt.Sprintf("supplier=%d challan=%s", supplierId, challanNo), err)
		return 0, err
	}
	return converted, nil
}
