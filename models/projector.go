package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
)

// BatchKey identifies one batch cache entry.
type BatchKey struct {
	ProductId   int
	BatchNumber string
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%d:%s", k.ProductId, k.BatchNumber)
}

// Less orders keys by (product_id, batch_number); multi-key lock
// acquisition and the full rebuild both walk keys in this order.
func (k BatchKey) Less(other BatchKey) bool {
	if k.ProductId != other.ProductId {
		return k.ProductId < other.ProductId
	}
	return k.BatchNumber < other.BatchNumber
}

// BatchDelta is the projected effect of one event row on its batch cache
// entry. Qty is signed. Rates is set only for inbound events.
type BatchDelta struct {
	Key       BatchKey
	Expiry    string // canonical MM-YYYY, empty when unknown
	Qty       decimal.Decimal
	Rates     *RateBundle
	EventId   int
	EventDate time.Time
	// ExpiryUnparsed is set when the event carried a non-empty expiry
	// that could not be canonicalized; the caller decides between strict
	// rejection and an anomaly record.
	ExpiryUnparsed bool
}

// Inverse returns the delta that undoes d. The inverse of an inbound
// movement carries no rates; descriptor ownership is re-derived from the
// surviving events instead.
func (d *BatchDelta) Inverse() *BatchDelta {
	return &BatchDelta{
		Key:       d.Key,
		Expiry:    d.Expiry,
		Qty:       d.Qty.Neg(),
		EventId:   d.EventId,
		EventDate: d.EventDate,
	}
}

// Project maps a persisted event row to its batch delta. It is pure: no
// I/O, no clock. Excluded rows project to nil. Invalid rows return
// ErrInvalidEvent; rows with an unparseable expiry are projected with an
// empty canonical expiry and ExpiryUnparsed set.
func Project(row EventRow) (*BatchDelta, error) {
	if row.Excluded {
		return nil, nil
	}
	if row.ProductId <= 0 {
		return nil, fmt.Errorf("%w: event %d has no product", ErrInvalidEvent, row.EventId)
	}
	batchNo := CanonicalizeBatchNumber(row.BatchNumber)
	if batchNo == "" {
		return nil, fmt.Errorf("%w: event %d has no batch number", ErrInvalidEvent, row.EventId)
	}
	if !row.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: event %d qty %s is not positive", ErrInvalidEvent, row.EventId, row.Qty.String())
	}

	qty := row.Qty
	if !row.Kind.IsInbound() {
		qty = qty.Neg()
	}

	delta := &BatchDelta{
		Key:       BatchKey{ProductId: row.ProductId, BatchNumber: batchNo},
		Qty:       qty,
		EventId:   row.EventId,
		EventDate: row.EventDate,
	}
	if row.Rates != nil {
		rates := *row.Rates
		delta.Rates = &rates
	}
	if raw := strings.TrimSpace(row.Expiry); raw != "" {
		canonical, ok := CanonicalizeExpiry(raw)
		if !ok {
			delta.ExpiryUnparsed = true
		} else {
			delta.Expiry = canonical
		}
	}
	return delta, nil
}

// CanonicalizeBatchNumber trims surrounding whitespace and collapses
// inner runs of whitespace, so "B 001" and "B  001 " address the same
// batch cache entry.
func CanonicalizeBatchNumber(raw string) string {
	return strings.Join(strings.Fields(utils.TrimShortString(raw, 100)), " ")
}

var (
	expiryMonthYear = regexp.MustCompile(`^(\d{1,2})-(\d{4})$`)
	expiryCompact   = regexp.MustCompile(`^(\d{2})(\d{2})$`)
)

// CanonicalizeExpiry maps the accepted expiry spellings to MM-YYYY:
//
//	"2027-03-31" -> "03-2027"
//	"3-2027"     -> "03-2027"
//	"0327"       -> "03-2027"
//
// Anything else returns ("", false).
func CanonicalizeExpiry(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.Format("01-2006"), true
	}
	if m := expiryMonthYear.FindStringSubmatch(raw); m != nil {
		month, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return fmt.Sprintf("%02d-%04d", month, year), true
		}
		return "", false
	}
	if m := expiryCompact.FindStringSubmatch(raw); m != nil {
		month, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return fmt.Sprintf("%02d-%04d", month, 2000+year), true
		}
	}
	return "", false
}

// ExpirySortKey converts a canonical MM-YYYY expiry to its YYYY-MM shadow
// used for ordering. Unknown expiries sort after every real month.
func ExpirySortKey(canonical string) string {
	if m := expiryMonthYear.FindStringSubmatch(canonical); m != nil {
		return m[2] + "-" + m[1]
	}
	return "9999-99"
}

// ExpiryStatusFor evaluates a canonical expiry at the given instant. A
// batch expiring in month M is usable through the last day of M and
// expired from the first day of M+1.
func ExpiryStatusFor(canonical string, now time.Time) (ExpiryStatus, bool) {
	m := expiryMonthYear.FindStringSubmatch(canonical)
	if m == nil {
		return ExpiryStatusUnknown, false
	}
	month, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[2])
	endOfMonth := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	if !now.Before(endOfMonth) {
		return ExpiryStatusExpired, true
	}
	soonCutoff := now.AddDate(0, config.ExpiringSoonMonths(), 0)
	if !soonCutoff.Before(endOfMonth) {
		return ExpiryStatusExpiringSoon, false
	}
	return ExpiryStatusValid, false
}
