package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pharma_backend/models"
)

func inboundRates() *models.RateBundle {
	return &models.RateBundle{
		Mrp:          decimal.NewFromInt(50),
		PurchaseRate: decimal.NewFromInt(40),
		RateA:        decimal.NewFromInt(48),
		RateB:        decimal.NewFromInt(46),
		RateC:        decimal.NewFromInt(44),
	}
}

func TestProjectSignsByKind(t *testing.T) {
	cases := []struct {
		kind    models.EventKind
		inbound bool
	}{
		{models.EventKindPurchase, true},
		{models.EventKindSupplierChallanItem, true},
		{models.EventKindSalesReturn, true},
		{models.EventKindSale, false},
		{models.EventKindCustomerChallanItem, false},
		{models.EventKindPurchaseReturn, false},
		{models.EventKindStockIssue, false},
	}
	for _, tc := range cases {
		row := models.EventRow{
			Kind:        tc.kind,
			EventId:     7,
			ProductId:   1,
			BatchNumber: "B1",
			Expiry:      "03-2027",
			Qty:         decimal.NewFromInt(5),
			EventDate:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		}
		if tc.inbound {
			row.Rates = inboundRates()
		}
		delta, err := models.Project(row)
		if err != nil {
			t.Fatalf("%s: Project: %v", tc.kind, err)
		}
		want := decimal.NewFromInt(5)
		if !tc.inbound {
			want = want.Neg()
		}
		if !delta.Qty.Equal(want) {
			t.Fatalf("%s: expected delta %s, got %s", tc.kind, want, delta.Qty)
		}
		if tc.inbound && delta.Rates == nil {
			t.Fatalf("%s: inbound delta must carry rates", tc.kind)
		}
		if !tc.inbound && delta.Rates != nil {
			t.Fatalf("%s: outbound delta must not carry rates", tc.kind)
		}
		if delta.Expiry != "03-2027" {
			t.Fatalf("%s: expected canonical expiry 03-2027, got %q", tc.kind, delta.Expiry)
		}
	}
}

func TestProjectExcludedChallanRowIsNil(t *testing.T) {
	row := models.EventRow{
		Kind:        models.EventKindSupplierChallanItem,
		EventId:     3,
		ProductId:   1,
		BatchNumber: "B1",
		Qty:         decimal.NewFromInt(10),
		Rates:       inboundRates(),
		Excluded:    true,
	}
	delta, err := models.Project(row)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if delta != nil {
		t.Fatalf("expected nil delta for an invoiced challan row, got %+v", delta)
	}
}

func TestProjectRejectsInvalidRows(t *testing.T) {
	base := models.EventRow{
		Kind:        models.EventKindPurchase,
		EventId:     1,
		ProductId:   1,
		BatchNumber: "B1",
		Qty:         decimal.NewFromInt(1),
		Rates:       inboundRates(),
	}

	noProduct := base
	noProduct.ProductId = 0
	noBatch := base
	noBatch.BatchNumber = "   "
	zeroQty := base
	zeroQty.Qty = decimal.Zero
	negQty := base
	negQty.Qty = decimal.NewFromInt(-4)

	for name, row := range map[string]models.EventRow{
		"no product":   noProduct,
		"no batch":     noBatch,
		"zero qty":     zeroQty,
		"negative qty": negQty,
	} {
		if _, err := models.Project(row); !errors.Is(err, models.ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", name, err)
		}
	}
}

func TestProjectUnparseableExpiry(t *testing.T) {
	row := models.EventRow{
		Kind:        models.EventKindPurchase,
		EventId:     1,
		ProductId:   1,
		BatchNumber: "B1",
		Expiry:      "next year sometime",
		Qty:         decimal.NewFromInt(1),
		Rates:       inboundRates(),
	}
	delta, err := models.Project(row)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !delta.ExpiryUnparsed {
		t.Fatal("expected ExpiryUnparsed to be set")
	}
	if delta.Expiry != "" {
		t.Fatalf("expected empty canonical expiry, got %q", delta.Expiry)
	}
}

func TestCanonicalizeExpiry(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"2027-03-31", "03-2027", true},
		{"03-2027", "03-2027", true},
		{"3-2027", "03-2027", true},
		{"0327", "03-2027", true},
		{"1227", "12-2027", true},
		{" 03-2027 ", "03-2027", true},
		{"13-2027", "", false},
		{"0027", "", false},
		{"032027", "", false},
		{"march 2027", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := models.CanonicalizeExpiry(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("CanonicalizeExpiry(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExpirySortKeyOrdersUnknownLast(t *testing.T) {
	if got := models.ExpirySortKey("03-2027"); got != "2027-03" {
		t.Fatalf("expected 2027-03, got %q", got)
	}
	if got := models.ExpirySortKey(""); got != "9999-99" {
		t.Fatalf("expected unknown expiry to sort last, got %q", got)
	}
	if models.ExpirySortKey("03-2027") > models.ExpirySortKey("") {
		t.Fatal("real expiry must sort before unknown")
	}
}

func TestExpiryStatusFor(t *testing.T) {
	t.Setenv("EXPIRING_SOON_MONTHS", "3")
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		canonical string
		want      models.ExpiryStatus
		expired   bool
	}{
		{"08-2026", models.ExpiryStatusExpired, true},
		{"09-2026", models.ExpiryStatusExpiringSoon, false},
		{"11-2026", models.ExpiryStatusExpiringSoon, false},
		{"12-2026", models.ExpiryStatusValid, false},
		{"03-2027", models.ExpiryStatusValid, false},
		{"", models.ExpiryStatusUnknown, false},
	}
	for _, tc := range cases {
		status, expired := models.ExpiryStatusFor(tc.canonical, now)
		if status != tc.want || expired != tc.expired {
			t.Fatalf("ExpiryStatusFor(%q) = (%s, %v), want (%s, %v)",
				tc.canonical, status, expired, tc.want, tc.expired)
		}
	}
}

func TestCanonicalizeBatchNumber(t *testing.T) {
	cases := map[string]string{
		"B1":        "B1",
		"  B1  ":    "B1",
		"B  001":    "B 001",
		" B\t001 ":  "B 001",
		"":          "",
		"   \t\n  ": "",
	}
	for raw, want := range cases {
		if got := models.CanonicalizeBatchNumber(raw); got != want {
			t.Fatalf("CanonicalizeBatchNumber(%q) = %q, want %q", raw, got, want)
		}
	}
}
