package models

// PurchaseReturn is outbound stock sent back to a supplier.
type PurchaseReturn struct {
	EventBase
	SupplierId   int    `gorm:"index" json:"supplier_id"`
	RefInvoiceNo string `gorm:"size:100" json:"ref_invoice_no"`
	Note         string `gorm:"size:255" json:"note"`
}

func (r *PurchaseReturn) Row() EventRow {
	return EventRow{
		Kind:        EventKindPurchaseReturn,
		EventId:     r.ID,
		ProductId:   r.ProductId,
		BatchNumber: r.BatchNumber,
		Expiry:      r.Expiry,
		Qty:         r.Qty,
		EventDate:   r.EventDate,
	}
}
