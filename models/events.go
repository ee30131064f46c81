package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

// EventBase carries the fields shared by every stock event table. Qty is
// always the positive magnitude of the movement; the projector applies
// the sign from the event kind.
type EventBase struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ProductId   int             `gorm:"index;not null" json:"product_id"`
	BatchNumber string          `gorm:"size:100;index;not null" json:"batch_number"`
	Expiry      string          `gorm:"size:10" json:"expiry"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	EventDate   time.Time       `gorm:"index;not null" json:"event_date"`
	CreatedBy   int             `json:"created_by"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// RateBundle holds the pricing descriptors carried by inbound events and
// mirrored onto the batch cache entry.
type RateBundle struct {
	Mrp          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"mrp"`
	PurchaseRate decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_rate"`
	RateA        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate_a"`
	RateB        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate_b"`
	RateC        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate_c"`
}

// EventRow is the kind-independent view of a persisted event row that the
// projector consumes.
type EventRow struct {
	Kind        EventKind
	EventId     int
	ProductId   int
	BatchNumber string
	Expiry      string
	Qty         decimal.Decimal
	Rates       *RateBundle
	EventDate   time.Time
	// Excluded marks rows that no longer contribute to stock, such as
	// supplier challan items already converted into a purchase invoice.
	Excluded bool
}

// NewStockEvent is the write payload accepted for every event kind.
// Kind-specific fields are ignored by kinds that do not use them.
type NewStockEvent struct {
	ProductId   int             `json:"product_id" validate:"required,gt=0"`
	BatchNumber string          `json:"batch_number" validate:"required"`
	Expiry      string          `json:"expiry"`
	Qty         decimal.Decimal `json:"qty"`
	EventDate   time.Time       `json:"event_date"`

	Mrp          decimal.Decimal `json:"mrp"`
	PurchaseRate decimal.Decimal `json:"purchase_rate"`
	RateA        decimal.Decimal `json:"rate_a"`
	RateB        decimal.Decimal `json:"rate_b"`
	RateC        decimal.Decimal `json:"rate_c"`

	SupplierId   int             `json:"supplier_id"`
	CustomerId   int             `json:"customer_id"`
	InvoiceNo    string          `json:"invoice_no"`
	ChallanNo    string          `json:"challan_no"`
	RefInvoiceNo string          `json:"ref_invoice_no"`
	SaleRate     decimal.Decimal `json:"sale_rate"`
	RateTier     RateTier        `json:"rate_tier"`
	IssuedTo     string          `json:"issued_to"`
	Note         string          `json:"note"`
}

// Validate normalizes and checks the payload before it reaches a
// transaction. Quantity must be strictly positive for every kind.
func (in *NewStockEvent) Validate(kind EventKind) error {
	in.BatchNumber = CanonicalizeBatchNumber(in.BatchNumber)
	in.Expiry = utils.TrimShortString(in.Expiry, 10)
	if err := utils.GetValidator().Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if in.BatchNumber == "" {
		return fmt.Errorf("%w: batch number is required", ErrInvalidEvent)
	}
	if !in.Qty.IsPositive() {
		return fmt.Errorf("%w: qty must be positive, got %s", ErrInvalidEvent, in.Qty.String())
	}
	if kind == EventKindSale {
		switch in.RateTier {
		case "", RateTierA, RateTierB, RateTierC:
		default:
			return fmt.Errorf("%w: unknown rate tier %q", ErrInvalidEvent, in.RateTier)
		}
	}
	if in.EventDate.IsZero() {
		in.EventDate = time.Now().UTC()
	}
	return nil
}

func (b *EventBase) setCreatedBy(id int) {
	b.CreatedBy = id
}

func (in *NewStockEvent) rates() RateBundle {
	return RateBundle{
		Mrp:          in.Mrp,
		PurchaseRate: in.PurchaseRate,
		RateA:        in.RateA,
		RateB:        in.RateB,
		RateC:        in.RateC,
	}
}
