package models

import "github.com/shopspring/decimal"

// Sale is invoiced outbound stock to a customer.
type Sale struct {
	EventBase
	CustomerId int             `gorm:"index" json:"customer_id"`
	InvoiceNo  string          `gorm:"size:100;index" json:"invoice_no"`
	SaleRate   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sale_rate"`
	RateTier   RateTier        `gorm:"size:1" json:"rate_tier"`
}

func (s *Sale) Row() EventRow {
	return EventRow{
		Kind:        EventKindSale,
		EventId:     s.ID,
		ProductId:   s.ProductId,
		BatchNumber: s.BatchNumber,
		Expiry:      s.Expiry,
		Qty:         s.Qty,
		EventDate:   s.EventDate,
	}
}
