package models

// SalesReturn is inbound stock returned by a customer. It carries rates
// so that a return can restore a batch whose cache entry was already
// removed at zero stock.
type SalesReturn struct {
	EventBase
	RateBundle
	CustomerId   int    `gorm:"index" json:"customer_id"`
	RefInvoiceNo string `gorm:"size:100" json:"ref_invoice_no"`
	Note         string `gorm:"size:255" json:"note"`
}

func (r *SalesReturn) Row() EventRow {
	rates := r.RateBundle
	return EventRow{
		Kind:        EventKindSalesReturn,
		EventId:     r.ID,
		ProductId:   r.ProductId,
		BatchNumber: r.BatchNumber,
		Expiry:      r.Expiry,
		Qty:         r.Qty,
		Rates:       &rates,
		EventDate:   r.EventDate,
	}
}
