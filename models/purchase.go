package models

// Purchase is invoiced inbound stock from a supplier.
type Purchase struct {
	EventBase
	RateBundle
	SupplierId int    `gorm:"index" json:"supplier_id"`
	InvoiceNo  string `gorm:"size:100;index" json:"invoice_no"`
}

func (p *Purchase) Row() EventRow {
	rates := p.RateBundle
	return EventRow{
		Kind:        EventKindPurchase,
		EventId:     p.ID,
		ProductId:   p.ProductId,
		BatchNumber: p.BatchNumber,
		Expiry:      p.Expiry,
		Qty:         p.Qty,
		Rates:       &rates,
		EventDate:   p.EventDate,
	}
}
