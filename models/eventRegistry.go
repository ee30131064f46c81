package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

// eventModel is implemented by every stock event table model.
type eventModel interface {
	Row() EventRow
	setCreatedBy(int)
}

func newEventModel(kind EventKind) (eventModel, error) {
	switch kind {
	case EventKindPurchase:
		return &Purchase{}, nil
	case EventKindSupplierChallanItem:
		return &SupplierChallanItem{}, nil
	case EventKindSale:
		return &Sale{}, nil
	case EventKindCustomerChallanItem:
		return &CustomerChallanItem{}, nil
	case EventKindPurchaseReturn:
		return &PurchaseReturn{}, nil
	case EventKindSalesReturn:
		return &SalesReturn{}, nil
	case EventKindStockIssue:
		return &StockIssue{}, nil
	}
	return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidEvent, kind)
}

// applyEventInput copies the payload onto the model, preserving identity
// and audit fields on update.
func applyEventInput(model eventModel, in *NewStockEvent) {
	switch m := model.(type) {
	case *Purchase:
		m.EventBase = mergeBase(m.EventBase, in)
		m.RateBundle = in.rates()
		m.SupplierId = in.SupplierId
		m.InvoiceNo = utils.TrimShortString(in.InvoiceNo, 100)
	case *SupplierChallanItem:
		m.EventBase = mergeBase(m.EventBase, in)
		m.RateBundle = in.rates()
		m.SupplierId = in.SupplierId
		m.ChallanNo = utils.TrimShortString(in.ChallanNo, 100)
		if m.IsInvoiced == nil {
			m.IsInvoiced = utils.NewFalse()
		}
	case *Sale:
		m.EventBase = mergeBase(m.EventBase, in)
		m.CustomerId = in.CustomerId
		m.InvoiceNo = utils.TrimShortString(in.InvoiceNo, 100)
		m.SaleRate = in.SaleRate
		m.RateTier = in.RateTier
	case *CustomerChallanItem:
		m.EventBase = mergeBase(m.EventBase, in)
		m.CustomerId = in.CustomerId
		m.ChallanNo = utils.TrimShortString(in.ChallanNo, 100)
		m.SaleRate = in.SaleRate
	case *PurchaseReturn:
		m.EventBase = mergeBase(m.EventBase, in)
		m.SupplierId = in.SupplierId
		m.RefInvoiceNo = utils.TrimShortString(in.RefInvoiceNo, 100)
		m.Note = utils.TrimShortString(in.Note, 255)
	case *SalesReturn:
		m.EventBase = mergeBase(m.EventBase, in)
		m.RateBundle = in.rates()
		m.CustomerId = in.CustomerId
		m.RefInvoiceNo = utils.TrimShortString(in.RefInvoiceNo, 100)
		m.Note = utils.TrimShortString(in.Note, 255)
	case *StockIssue:
		m.EventBase = mergeBase(m.EventBase, in)
		m.IssuedTo = utils.TrimShortString(in.IssuedTo, 100)
		m.Note = utils.TrimShortString(in.Note, 255)
	}
}

func mergeBase(existing EventBase, in *NewStockEvent) EventBase {
	existing.ProductId = in.ProductId
	existing.BatchNumber = in.BatchNumber
	existing.Expiry = in.Expiry
	existing.Qty = in.Qty
	existing.EventDate = in.EventDate
	return existing
}

// InsertEvent persists a new event row of the given kind within tx.
func InsertEvent(tx *gorm.DB, kind EventKind, in *NewStockEvent, createdBy int) (EventRow, error) {
	model, err := newEventModel(kind)
	if err != nil {
		return EventRow{}, err
	}
	applyEventInput(model, in)
	model.setCreatedBy(createdBy)
	if err := tx.Create(model).Error; err != nil {
		return EventRow{}, err
	}
	return model.Row(), nil
}

// GetEventRow loads one event row by kind and id.
func GetEventRow(tx *gorm.DB, kind EventKind, id int) (EventRow, error) {
	model, err := newEventModel(kind)
	if err != nil {
		return EventRow{}, err
	}
	if err := tx.First(model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EventRow{}, fmt.Errorf("%w: %s %d", ErrEventNotFound, kind, id)
		}
		return EventRow{}, err
	}
	return model.Row(), nil
}

// UpdateEventRow replaces the mutable fields of an existing event row
// and returns its new projection view.
func UpdateEventRow(tx *gorm.DB, kind EventKind, id int, in *NewStockEvent) (EventRow, error) {
	model, err := newEventModel(kind)
	if err != nil {
		return EventRow{}, err
	}
	if err := tx.First(model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EventRow{}, fmt.Errorf("%w: %s %d", ErrEventNotFound, kind, id)
		}
		return EventRow{}, err
	}
	applyEventInput(model, in)
	if err := tx.Save(model).Error; err != nil {
		return EventRow{}, err
	}
	return model.Row(), nil
}

// DeleteEventRow removes one event row by kind and id.
func DeleteEventRow(tx *gorm.DB, kind EventKind, id int) error {
	model, err := newEventModel(kind)
	if err != nil {
		return err
	}
	result := tx.Delete(model, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %d", ErrEventNotFound, kind, id)
	}
	return nil
}

// ledgerUnionSQL builds the signed UNION ALL over all seven event
// tables, excluding supplier challan rows already converted to a
// purchase. Each table contributes (product_id, batch_number, qty).
func ledgerUnionSQL() string {
	parts := []string{
		"SELECT product_id, batch_number, qty FROM purchases",
		"SELECT product_id, batch_number, qty FROM supplier_challan_items WHERE is_invoiced = 0",
		"SELECT product_id, batch_number, qty FROM sales_returns",
		"SELECT product_id, batch_number, -qty AS qty FROM sales",
		"SELECT product_id, batch_number, -qty AS qty FROM customer_challan_items",
		"SELECT product_id, batch_number, -qty AS qty FROM purchase_returns",
		"SELECT product_id, batch_number, -qty AS qty FROM stock_issues",
	}
	return strings.Join(parts, " UNION ALL ")
}

// ComputeBatchStock recomputes the signed event sum for one batch key
// directly from the event tables.
func ComputeBatchStock(tx *gorm.DB, key BatchKey) (decimal.Decimal, error) {
	var out struct {
		Total decimal.Decimal
	}
	sql := "SELECT COALESCE(SUM(qty), 0) AS total FROM (" + ledgerUnionSQL() + ") AS ledger WHERE product_id = ? AND batch_number = ?"
	if err := tx.Raw(sql, key.ProductId, key.BatchNumber).Scan(&out).Error; err != nil {
		return decimal.Zero, err
	}
	return out.Total, nil
}

// NewestInboundRow returns the most recent non-excluded inbound event
// for the key, ordering by event_date then id. Returns nil when the key
// has no surviving inbound events.
func NewestInboundRow(tx *gorm.DB, key BatchKey) (*EventRow, error) {
	var newest *EventRow
	for _, kind := range []EventKind{EventKindPurchase, EventKindSupplierChallanItem, EventKindSalesReturn} {
		model, err := newEventModel(kind)
		if err != nil {
			return nil, err
		}
		query := tx.Where("product_id = ? AND batch_number = ?", key.ProductId, key.BatchNumber)
		if kind == EventKindSupplierChallanItem {
			query = query.Where("is_invoiced = 0")
		}
		err = query.Order("event_date DESC, id DESC").First(model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		row := model.Row()
		if newest == nil || row.EventDate.After(newest.EventDate) ||
			(row.EventDate.Equal(newest.EventDate) && row.EventId > newest.EventId) {
			newest = &row
		}
	}
	return newest, nil
}

// ListBatchKeys pages over every distinct batch key present in the
// event tables or the batch cache, in (product_id, batch_number) order.
// Cache-only keys are included so that entries without backing events
// are reachable by reconciliation and cleaned by a rebuild. Pass the
// last key of the previous page to continue; nil starts from the
// beginning.
func ListBatchKeys(tx *gorm.DB, after *BatchKey, limit int) ([]BatchKey, error) {
	sql := "SELECT DISTINCT product_id, batch_number FROM (" + ledgerUnionSQL() +
		" UNION ALL SELECT product_id, batch_number, 0 AS qty FROM batch_inventory_cache" +
		") AS ledger"
	args := []interface{}{}
	if after != nil {
		sql += " WHERE (product_id, batch_number) > (?, ?)"
		args = append(args, after.ProductId, after.BatchNumber)
	}
	sql += " ORDER BY product_id, batch_number LIMIT ?"
	args = append(args, limit)

	var rows []struct {
		ProductId   int
		BatchNumber string
	}
	if err := tx.Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	keys := make([]BatchKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, BatchKey{ProductId: r.ProductId, BatchNumber: r.BatchNumber})
	}
	return keys, nil
}

// ListBatchKeysForProduct returns the union of batch keys that appear in
// the event tables or in the batch cache for one product, ordered by
// batch number. Cache-only keys matter to reconciliation: a divergent
// entry may no longer have any backing events.
func ListBatchKeysForProduct(tx *gorm.DB, productId int) ([]BatchKey, error) {
	sql := "SELECT DISTINCT batch_number FROM (" +
		"SELECT batch_number, product_id FROM (" + ledgerUnionSQL() + ") AS ledger" +
		" UNION SELECT batch_number, product_id FROM batch_inventory_cache" +
		") AS combined WHERE product_id = ? ORDER BY batch_number"
	var batchNos []string
	if err := tx.Raw(sql, productId).Scan(&batchNos).Error; err != nil {
		return nil, err
	}
	keys := make([]BatchKey, 0, len(batchNos))
	for _, b := range batchNos {
		keys = append(keys, BatchKey{ProductId: productId, BatchNumber: b})
	}
	return keys, nil
}
