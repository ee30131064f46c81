package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidEvent wraps all input validation failures on event payloads.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrLockTimeout is returned when a per-batch-key write lock could not
	// be obtained within the configured bounded wait.
	ErrLockTimeout = errors.New("lock timeout: could not obtain batch lock")

	// ErrDBNotInitialized is returned by entry points called before the
	// database connection was established.
	ErrDBNotInitialized = errors.New("database connection is not initialized")

	// ErrEventNotFound is returned when an update or delete references an
	// event id that does not exist in its table.
	ErrEventNotFound = errors.New("event not found")
)

// InsufficientStockError rejects an outbound movement that would take a
// batch below zero.
type InsufficientStockError struct {
	ProductId   int
	BatchNumber string
	Current     decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d batch %q: have %s, requested %s",
		e.ProductId, e.BatchNumber, e.Current.String(), e.Requested.String())
}

// OverdrawRejectionError rejects removing or shrinking an inbound event
// whose quantity is already backing later outbound movements.
type OverdrawRejectionError struct {
	ProductId   int
	BatchNumber string
	Backing     decimal.Decimal
	Removed     decimal.Decimal
}

func (e *OverdrawRejectionError) Error() string {
	return fmt.Sprintf("overdraw rejected for product %d batch %q: removing %s would leave %s committed stock unbacked",
		e.ProductId, e.BatchNumber, e.Removed.String(), e.Backing.Sub(e.Removed).Abs().String())
}

// CacheDivergenceError reports a batch entry whose cached stock does not
// equal the signed sum recomputed from the event tables.
type CacheDivergenceError struct {
	ProductId   int
	BatchNumber string
	Cached      decimal.Decimal
	Computed    decimal.Decimal
}

func (e *CacheDivergenceError) Error() string {
	return fmt.Sprintf("cache divergence for product %d batch %q: cached %s, computed %s",
		e.ProductId, e.BatchNumber, e.Cached.String(), e.Computed.String())
}
