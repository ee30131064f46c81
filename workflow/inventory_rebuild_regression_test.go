package workflow_test

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
	"bitbucket.org/mmdatafocus/pharma_backend/workflow"
)

// A full rebuild from the event tables must land on exactly the state
// the incremental path produced, and reconciliation must detect and
// repair corrupted entries.
func TestRebuildMatchesIncrementalState(t *testing.T) {
	ctx := setupIntegration(t)

	record := func(kind models.EventKind, in *models.NewStockEvent) int {
		t.Helper()
		id, err := workflow.RecordEvent(ctx, kind, in)
		if err != nil {
			t.Fatalf("record %s: %v", kind, err)
		}
		return id
	}
	rates := models.NewStockEvent{
		Mrp: decimal.NewFromInt(50), PurchaseRate: decimal.NewFromInt(40),
		RateA: decimal.NewFromInt(48), RateB: decimal.NewFromInt(46), RateC: decimal.NewFromInt(44),
	}
	inbound := func(productId int, batch, expiry string, qty int64) *models.NewStockEvent {
		in := rates
		in.ProductId = productId
		in.BatchNumber = batch
		in.Expiry = expiry
		in.Qty = decimal.NewFromInt(qty)
		in.SupplierId = 1
		return &in
	}

	record(models.EventKindPurchase, inbound(11, "A1", "2027-06-30", 100))
	record(models.EventKindPurchase, inbound(11, "A2", "2026-12-31", 40))
	record(models.EventKindSupplierChallanItem, func() *models.NewStockEvent {
		in := inbound(11, "A1", "2027-06-30", 25)
		in.ChallanNo = "CH-9"
		return in
	}())
	record(models.EventKindSale, &models.NewStockEvent{
		ProductId: 11, BatchNumber: "A1", Qty: decimal.NewFromInt(60), CustomerId: 2, InvoiceNo: "S-10",
	})
	record(models.EventKindSalesReturn, func() *models.NewStockEvent {
		in := inbound(11, "A1", "2027-06-30", 5)
		in.SupplierId = 0
		in.CustomerId = 2
		in.RefInvoiceNo = "S-10"
		return in
	}())
	record(models.EventKindStockIssue, &models.NewStockEvent{
		ProductId: 11, BatchNumber: "A2", Qty: decimal.NewFromInt(10), IssuedTo: "counter",
	})
	record(models.EventKindPurchase, inbound(12, "Z1", "2028-02-01", 15))
	record(models.EventKindPurchaseReturn, &models.NewStockEvent{
		ProductId: 12, BatchNumber: "Z1", Qty: decimal.NewFromInt(3), SupplierId: 1, RefInvoiceNo: "INV-1",
	})

	want := snapshotCaches(t)

	// corrupt one entry and plant a ghost entry with no backing events
	db := config.GetDB()
	if err := db.Exec("UPDATE batch_inventory_cache SET current_stock = current_stock + 7 WHERE product_id = 11 AND batch_number = 'A1'").Error; err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}
	ghost := models.BatchInventoryCache{
		ProductId: 99, BatchNumber: "GHOST", CurrentStock: decimal.NewFromInt(5),
		ExpirySort: "9999-99", ExpiryStatus: models.ExpiryStatusUnknown,
	}
	if err := db.Create(&ghost).Error; err != nil {
		t.Fatalf("plant ghost entry: %v", err)
	}

	report, err := workflow.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.DivergentKeys < 2 {
		t.Fatalf("expected at least 2 divergent keys, got %d", report.DivergentKeys)
	}
	if report.ProductsRebuilt < 2 {
		t.Fatalf("expected at least 2 products rebuilt, got %d", report.ProductsRebuilt)
	}
	assertAnomaly(t, models.AnomalyCacheDivergence, 11, "A1")
	assertAnomaly(t, models.AnomalyCacheDivergence, 99, "GHOST")

	got := snapshotCaches(t)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("reconciliation did not restore incremental state:\nwant %v\ngot  %v", want, got)
	}

	// a full staged rebuild lands on the same state
	rebuild, err := workflow.RebuildAll(ctx)
	if err != nil {
		t.Fatalf("rebuild all: %v", err)
	}
	got = snapshotCaches(t)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("full rebuild diverged from incremental state:\nwant %v\ngot  %v", want, got)
	}
	if rebuild.BatchEntries != len(batchKeysIn(got)) {
		t.Fatalf("rebuild report counts %d batch entries, snapshot has %d", rebuild.BatchEntries, len(batchKeysIn(got)))
	}
	last, err := workflow.LastRebuildReport()
	if err != nil || last == nil {
		t.Fatalf("expected stored rebuild report, err=%v", err)
	}

	// record-then-delete is a no-op on the caches
	id := record(models.EventKindPurchase, inbound(13, "RT", "2027-01-31", 8))
	if err := workflow.DeleteEvent(ctx, models.EventKindPurchase, id); err != nil {
		t.Fatalf("delete round-trip: %v", err)
	}
	got = snapshotCaches(t)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("record+delete must leave the caches unchanged:\nwant %v\ngot  %v", want, got)
	}

	// a ledger netting below zero with no cache entry is an anomaly, not
	// a divergence: reconciliation must not rebuild it over and over
	if err := db.Create(&models.Sale{
		EventBase: models.EventBase{
			ProductId: 55, BatchNumber: "NEG", Qty: decimal.NewFromInt(5),
			EventDate: time.Now().UTC(),
		},
		CustomerId: 2, InvoiceNo: "S-55",
	}).Error; err != nil {
		t.Fatalf("plant unbacked sale: %v", err)
	}
	countNegAnomalies := func() int64 {
		var n int64
		if err := db.Model(&models.InventoryAnomaly{}).
			Where("kind = ? AND product_id = ? AND batch_number = ?", models.AnomalyNegativeRebuild, 55, "NEG").
			Count(&n).Error; err != nil {
			t.Fatalf("count anomalies: %v", err)
		}
		return n
	}
	for sweep := 1; sweep <= 2; sweep++ {
		report, err := workflow.ReconcileAll(ctx)
		if err != nil {
			t.Fatalf("reconcile sweep %d: %v", sweep, err)
		}
		if report.DivergentKeys != 0 || report.ProductsRebuilt != 0 {
			t.Fatalf("sweep %d: negative ledger sum must not count as divergence, got %d divergent / %d rebuilt",
				sweep, report.DivergentKeys, report.ProductsRebuilt)
		}
		if n := countNegAnomalies(); n != 1 {
			t.Fatalf("sweep %d: expected exactly 1 negative-sum anomaly, got %d", sweep, n)
		}
	}
	got = snapshotCaches(t)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("negative ledger sum must leave the caches unchanged:\nwant %v\ngot  %v", want, got)
	}
}

// snapshotCaches captures the value-bearing fields of both caches,
// ignoring ids and timestamps.
func snapshotCaches(t *testing.T) map[string]string {
	t.Helper()
	db := config.GetDB()
	out := map[string]string{}

	var batches []models.BatchInventoryCache
	if err := db.Order("product_id, batch_number").Find(&batches).Error; err != nil {
		t.Fatalf("snapshot batches: %v", err)
	}
	for _, b := range batches {
		key := fmt.Sprintf("batch/%d/%s", b.ProductId, b.BatchNumber)
		out[key] = fmt.Sprintf("stock=%s expiry=%s mrp=%s rate=%s status=%s",
			b.CurrentStock, b.Expiry, b.Mrp, b.PurchaseRate, b.ExpiryStatus)
	}

	var products []models.ProductInventoryCache
	if err := db.Order("product_id").Find(&products).Error; err != nil {
		t.Fatalf("snapshot products: %v", err)
	}
	for _, p := range products {
		key := fmt.Sprintf("product/%d", p.ProductId)
		out[key] = fmt.Sprintf("total=%s batches=%d avg_mrp=%s avg_rate=%s value=%s status=%s",
			p.TotalStock, p.TotalBatches, p.AvgMrp, p.AvgPurchaseRate, p.TotalStockValue, p.StockStatus)
	}
	return out
}

func batchKeysIn(snapshot map[string]string) []string {
	keys := []string{}
	for k := range snapshot {
		if len(k) > 6 && k[:6] == "batch/" {
			keys = append(keys, k)
		}
	}
	return keys
}
