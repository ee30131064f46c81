package models

import "github.com/shopspring/decimal"

// CustomerChallanItem is outbound stock delivered to a customer on a
// challan ahead of the sales invoice.
type CustomerChallanItem struct {
	EventBase
	CustomerId int             `gorm:"index" json:"customer_id"`
	ChallanNo  string          `gorm:"size:100;index" json:"challan_no"`
	SaleRate   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sale_rate"`
}

func (c *CustomerChallanItem) Row() EventRow {
	return EventRow{
		Kind:        EventKindCustomerChallanItem,
		EventId:     c.ID,
		ProductId:   c.ProductId,
		BatchNumber: c.BatchNumber,
		Expiry:      c.Expiry,
		Qty:         c.Qty,
		EventDate:   c.EventDate,
	}
}
