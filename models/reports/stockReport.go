package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

type StockMovementRow struct {
	ProductId    int             `json:"productId"`
	BatchNumber  string          `json:"batchNumber"`
	OpeningStock decimal.Decimal `json:"openingStock"`
	QtyIn        decimal.Decimal `json:"qtyIn"`
	QtyOut       decimal.Decimal `json:"qtyOut"`
	ClosingStock decimal.Decimal `json:"closingStock"`
}

// GetStockMovementReport aggregates the signed event ledger per batch
// key over a date window: opening balance before fromDate, in/out
// within the window, closing balance. Pass productId=0 for all
// products. Invoiced supplier challan rows are excluded, as in the
// projection itself.
func GetStockMovementReport(ctx context.Context, fromDate time.Time, toDate time.Time, productId int) ([]*StockMovementRow, error) {
	db := config.GetDB()
	if db == nil {
		return nil, models.ErrDBNotInitialized
	}

	sql := `
WITH ledger AS (
    SELECT product_id, batch_number, qty, event_date FROM purchases
    UNION ALL SELECT product_id, batch_number, qty, event_date FROM supplier_challan_items WHERE is_invoiced = 0
    UNION ALL SELECT product_id, batch_number, qty, event_date FROM sales_returns
    UNION ALL SELECT product_id, batch_number, -qty, event_date FROM sales
    UNION ALL SELECT product_id, batch_number, -qty, event_date FROM customer_challan_items
    UNION ALL SELECT product_id, batch_number, -qty, event_date FROM purchase_returns
    UNION ALL SELECT product_id, batch_number, -qty, event_date FROM stock_issues
)
SELECT
    product_id,
    batch_number,
    SUM(CASE WHEN event_date < @fromDate THEN qty ELSE 0 END) AS opening_stock,
    SUM(CASE WHEN event_date BETWEEN @fromDate AND @toDate AND qty > 0 THEN qty ELSE 0 END) AS qty_in,
    SUM(CASE WHEN event_date BETWEEN @fromDate AND @toDate AND qty < 0 THEN ABS(qty) ELSE 0 END) AS qty_out,
    SUM(CASE WHEN event_date <= @toDate THEN qty ELSE 0 END) AS closing_stock
FROM ledger
WHERE (@productId = 0 OR product_id = @productId)
GROUP BY product_id, batch_number
ORDER BY product_id, batch_number;
`
	var rows []*StockMovementRow
	err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"fromDate":  fromDate,
		"toDate":    toDate,
		"productId": productId,
	}).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExportBatchInventoryExcel renders the current caches into a workbook:
// one sheet of batch entries ordered by product then expiry, one sheet
// of product rollups.
func ExportBatchInventoryExcel(ctx context.Context) (*excelize.File, error) {
	db := config.GetDB()
	if db == nil {
		return nil, models.ErrDBNotInitialized
	}

	var batches []models.BatchInventoryCache
	err := db.WithContext(ctx).
		Order("product_id ASC, expiry_sort ASC, batch_number ASC").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	products, err := models.ListProductCaches(db.WithContext(ctx), "")
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	const batchSheet = "Batches"
	f.SetSheetName("Sheet1", batchSheet)

	batchHeaders := []string{"ProductId", "BatchNumber", "Expiry", "CurrentStock", "MRP", "PurchaseRate", "RateA", "RateB", "RateC", "ExpiryStatus"}
	for i, h := range batchHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(batchSheet, cell, h)
	}
	for i, b := range batches {
		rowNo := i + 2
		f.SetCellValue(batchSheet, "A"+fmt.Sprint(rowNo), b.ProductId)
		f.SetCellValue(batchSheet, "B"+fmt.Sprint(rowNo), b.BatchNumber)
		f.SetCellValue(batchSheet, "C"+fmt.Sprint(rowNo), b.Expiry)
		f.SetCellValue(batchSheet, "D"+fmt.Sprint(rowNo), b.CurrentStock.String())
		f.SetCellValue(batchSheet, "E"+fmt.Sprint(rowNo), b.Mrp.String())
		f.SetCellValue(batchSheet, "F"+fmt.Sprint(rowNo), b.PurchaseRate.String())
		f.SetCellValue(batchSheet, "G"+fmt.Sprint(rowNo), b.RateA.String())
		f.SetCellValue(batchSheet, "H"+fmt.Sprint(rowNo), b.RateB.String())
		f.SetCellValue(batchSheet, "I"+fmt.Sprint(rowNo), b.RateC.String())
		f.SetCellValue(batchSheet, "J"+fmt.Sprint(rowNo), string(b.ExpiryStatus))
	}

	const productSheet = "Products"
	if _, err := f.NewSheet(productSheet); err != nil {
		return nil, err
	}
	productHeaders := []string{"ProductId", "TotalStock", "TotalBatches", "AvgMRP", "AvgPurchaseRate", "TotalStockValue", "StockStatus", "HasExpiredBatches"}
	for i, h := range productHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(productSheet, cell, h)
	}
	for i, p := range products {
		rowNo := i + 2
		f.SetCellValue(productSheet, "A"+fmt.Sprint(rowNo), p.ProductId)
		f.SetCellValue(productSheet, "B"+fmt.Sprint(rowNo), p.TotalStock.String())
		f.SetCellValue(productSheet, "C"+fmt.Sprint(rowNo), p.TotalBatches)
		f.SetCellValue(productSheet, "D"+fmt.Sprint(rowNo), p.AvgMrp.String())
		f.SetCellValue(productSheet, "E"+fmt.Sprint(rowNo), p.AvgPurchaseRate.String())
		f.SetCellValue(productSheet, "F"+fmt.Sprint(rowNo), p.TotalStockValue.String())
		f.SetCellValue(productSheet, "G"+fmt.Sprint(rowNo), string(p.StockStatus))
		f.SetCellValue(productSheet, "H"+fmt.Sprint(rowNo), utils.DereferencePtr(p.HasExpiredBatches, false))
	}
	return f, nil
}
