package models

import "fmt"

// EventKind identifies the business event tables that move stock.
type EventKind string

const (
	EventKindPurchase            EventKind = "Purchase"
	EventKindSupplierChallanItem EventKind = "SupplierChallanItem"
	EventKindSale                EventKind = "Sale"
	EventKindCustomerChallanItem EventKind = "CustomerChallanItem"
	EventKindPurchaseReturn      EventKind = "PurchaseReturn"
	EventKindSalesReturn         EventKind = "SalesReturn"
	EventKindStockIssue          EventKind = "StockIssue"
)

// AllEventKinds lists every kind, inbound kinds first.
var AllEventKinds = []EventKind{
	EventKindPurchase,
	EventKindSupplierChallanItem,
	EventKindSalesReturn,
	EventKindSale,
	EventKindCustomerChallanItem,
	EventKindPurchaseReturn,
	EventKindStockIssue,
}

// IsInbound reports whether the kind adds stock to its batch key.
func (k EventKind) IsInbound() bool {
	switch k {
	case EventKindPurchase, EventKindSupplierChallanItem, EventKindSalesReturn:
		return true
	}
	return false
}

func ParseEventKind(s string) (EventKind, error) {
	for _, k := range AllEventKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown event kind %q", ErrInvalidEvent, s)
}

// StockStatus is the product-level categorical stock tag.
type StockStatus string

const (
	StockStatusInStock    StockStatus = "in_stock"
	StockStatusLowStock   StockStatus = "low_stock"
	StockStatusOutOfStock StockStatus = "out_of_stock"
)

// ExpiryStatus is the batch-level expiry tag.
type ExpiryStatus string

const (
	ExpiryStatusValid        ExpiryStatus = "valid"
	ExpiryStatusExpiringSoon ExpiryStatus = "expiring_soon"
	ExpiryStatusExpired      ExpiryStatus = "expired"
	ExpiryStatusUnknown      ExpiryStatus = "unknown"
)

// AnomalyKind classifies non-fatal inconsistencies observed during
// projection, reconciliation or rebuild.
type AnomalyKind string

const (
	AnomalyExpiryMismatch    AnomalyKind = "expiry_mismatch"
	AnomalyExpiryUnparseable AnomalyKind = "expiry_unparseable"
	AnomalyNegativeRebuild   AnomalyKind = "negative_rebuild_sum"
	AnomalyCacheDivergence   AnomalyKind = "cache_divergence"
)

// RateTier is the customer pricing tier on sales rows.
type RateTier string

const (
	RateTierA RateTier = "A"
	RateTierB RateTier = "B"
	RateTierC RateTier = "C"
)
