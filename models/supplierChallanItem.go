package models

// SupplierChallanItem is inbound stock received on a delivery challan
// ahead of the supplier invoice. Once the challan is converted into a
// Purchase the row is flagged invoiced and stops contributing to stock,
// so the quantity is never counted twice.
type SupplierChallanItem struct {
	EventBase
	RateBundle
	SupplierId int    `gorm:"index" json:"supplier_id"`
	ChallanNo  string `gorm:"size:100;index" json:"challan_no"`
	IsInvoiced *bool  `gorm:"not null;default:false;index" json:"is_invoiced"`
}

func (c *SupplierChallanItem) Row() EventRow {
	rates := c.RateBundle
	return EventRow{
		Kind:        EventKindSupplierChallanItem,
		EventId:     c.ID,
		ProductId:   c.ProductId,
		BatchNumber: c.BatchNumber,
		Expiry:      c.Expiry,
		Qty:         c.Qty,
		Rates:       &rates,
		EventDate:   c.EventDate,
		Excluded:    c.IsInvoiced != nil && *c.IsInvoiced,
	}
}
