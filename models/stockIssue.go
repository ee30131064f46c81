package models

// StockIssue is outbound stock consumed internally, such as samples,
// breakage write-offs or counter transfers.
type StockIssue struct {
	EventBase
	IssuedTo string `gorm:"size:100" json:"issued_to"`
	Note     string `gorm:"size:255" json:"note"`
}

func (s *StockIssue) Row() EventRow {
	return EventRow{
		Kind:        EventKindStockIssue,
		EventId:     s.ID,
		ProductId:   s.ProductId,
		BatchNumber: s.BatchNumber,
		Expiry:      s.Expiry,
		Qty:         s.Qty,
		EventDate:   s.EventDate,
	}
}
