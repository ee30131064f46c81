package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
	"bitbucket.org/mmdatafocus/pharma_backend/workflow"
)

// Covers the whole write path against real MySQL and Redis: projection
// of every event kind, zero-delete of drained batches, insufficient
// stock and overdraw rejections, update and delete reversal, descriptor
// refresh, challan conversion and the anomaly log.
func TestInventoryLifecycle(t *testing.T) {
	ctx := setupIntegration(t)

	purchase := func(productId int, batch, expiry string, qty int64) int {
		t.Helper()
		id, err := workflow.RecordEvent(ctx, models.EventKindPurchase, &models.NewStockEvent{
			ProductId:    productId,
			BatchNumber:  batch,
			Expiry:       expiry,
			Qty:          decimal.NewFromInt(qty),
			Mrp:          decimal.NewFromInt(50),
			PurchaseRate: decimal.NewFromInt(40),
			RateA:        decimal.NewFromInt(48),
			RateB:        decimal.NewFromInt(46),
			RateC:        decimal.NewFromInt(44),
			SupplierId:   1,
			InvoiceNo:    "INV-1",
		})
		if err != nil {
			t.Fatalf("record purchase: %v", err)
		}
		return id
	}
	mustStock := func(productId int, batch string, want int64) {
		t.Helper()
		stock, err := models.Stock(ctx, productId, batch)
		if err != nil {
			t.Fatalf("stock query: %v", err)
		}
		if !stock.Equal(decimal.NewFromInt(want)) {
			t.Fatalf("expected stock %d for product %d batch %s, got %s", want, productId, batch, stock)
		}
	}

	// inbound creates the batch entry with descriptors
	purchase(1, "B1", "2027-03-31", 100)
	mustStock(1, "B1", 100)
	entry, err := models.GetBatchCache(config.GetDB(), 1, "B1")
	if err != nil || entry == nil {
		t.Fatalf("expected batch entry, err=%v", err)
	}
	if entry.Expiry != "03-2027" {
		t.Fatalf("expected canonical expiry 03-2027, got %q", entry.Expiry)
	}
	if !entry.Mrp.Equal(decimal.NewFromInt(50)) || !entry.PurchaseRate.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected descriptors mirrored from the purchase, got mrp=%s rate=%s", entry.Mrp, entry.PurchaseRate)
	}
	summary, err := models.ProductSummary(ctx, 1)
	if err != nil {
		t.Fatalf("product summary: %v", err)
	}
	if summary.StockStatus != models.StockStatusInStock || summary.TotalBatches != 1 {
		t.Fatalf("expected in_stock with one batch, got %+v", summary)
	}

	// outbound decrements
	saleId, err := workflow.RecordEvent(ctx, models.EventKindSale, &models.NewStockEvent{
		ProductId: 1, BatchNumber: "B1", Expiry: "2027-03-31",
		Qty: decimal.NewFromInt(30), CustomerId: 1, InvoiceNo: "S-1", RateTier: models.RateTierA,
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	mustStock(1, "B1", 70)

	// draining the batch removes the entry and the product rollup
	if _, err := workflow.RecordEvent(ctx, models.EventKindSale, &models.NewStockEvent{
		ProductId: 1, BatchNumber: "B1", Qty: decimal.NewFromInt(70), CustomerId: 1, InvoiceNo: "S-2",
	}); err != nil {
		t.Fatalf("record draining sale: %v", err)
	}
	mustStock(1, "B1", 0)
	entry, err = models.GetBatchCache(config.GetDB(), 1, "B1")
	if err != nil {
		t.Fatalf("get batch cache: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected drained batch entry to be deleted, got stock %s", entry.CurrentStock)
	}
	summary, err = models.ProductSummary(ctx, 1)
	if err != nil {
		t.Fatalf("product summary: %v", err)
	}
	if summary.StockStatus != models.StockStatusOutOfStock {
		t.Fatalf("expected out_of_stock after drain, got %s", summary.StockStatus)
	}

	// a sale against an empty batch is rejected atomically
	var insufficient *models.InsufficientStockError
	_, err = workflow.RecordEvent(ctx, models.EventKindSale, &models.NewStockEvent{
		ProductId: 1, BatchNumber: "B1", Qty: decimal.NewFromInt(10), CustomerId: 1, InvoiceNo: "S-3",
	})
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	var saleCount int64
	if err := config.GetDB().Model(&models.Sale{}).Where("invoice_no = ?", "S-3").Count(&saleCount).Error; err != nil {
		t.Fatalf("count sales: %v", err)
	}
	if saleCount != 0 {
		t.Fatal("rejected sale must not persist an event row")
	}

	// a sales return resurrects the drained batch with its own rates
	returnId, err := workflow.RecordEvent(ctx, models.EventKindSalesReturn, &models.NewStockEvent{
		ProductId: 1, BatchNumber: "B1", Expiry: "2027-03-31",
		Qty: decimal.NewFromInt(20), CustomerId: 1, RefInvoiceNo: "S-1",
		Mrp: decimal.NewFromInt(52), PurchaseRate: decimal.NewFromInt(41),
		RateA: decimal.NewFromInt(49), RateB: decimal.NewFromInt(47), RateC: decimal.NewFromInt(45),
	})
	if err != nil {
		t.Fatalf("record sales return: %v", err)
	}
	mustStock(1, "B1", 20)

	// sell 15 of the returned 20, then deleting the return would strand
	// the sold quantity: overdraw rejection, nothing changes
	if _, err := workflow.RecordEvent(ctx, models.EventKindSale, &models.NewStockEvent{
		ProductId: 1, BatchNumber: "B1", Qty: decimal.NewFromInt(15), CustomerId: 1, InvoiceNo: "S-4",
	}); err != nil {
		t.Fatalf("record follow-up sale: %v", err)
	}
	var overdraw *models.OverdrawRejectionError
	if err := workflow.DeleteEvent(ctx, models.EventKindSalesReturn, returnId); !errors.As(err, &overdraw) {
		t.Fatalf("expected OverdrawRejectionError, got %v", err)
	}
	mustStock(1, "B1", 5)
	if _, err := models.GetEventRow(config.GetDB(), models.EventKindSalesReturn, returnId); err != nil {
		t.Fatalf("rejected delete must keep the event row: %v", err)
	}

	// shrinking the first sale gives stock back; product drops to the
	// low stock boundary
	if err := workflow.UpdateEvent(ctx, models.EventKindSale, saleId, &models.NewStockEvent{
		ProductId: 1, BatchNumber: "B1", Qty: decimal.NewFromInt(25), CustomerId: 1, InvoiceNo: "S-1", RateTier: models.RateTierA,
	}); err != nil {
		t.Fatalf("update sale: %v", err)
	}
	mustStock(1, "B1", 10)
	summary, err = models.ProductSummary(ctx, 1)
	if err != nil {
		t.Fatalf("product summary: %v", err)
	}
	if summary.StockStatus != models.StockStatusLowStock {
		t.Fatalf("expected low_stock at threshold, got %s", summary.StockStatus)
	}

	// moving an event to a different batch key reverses the old key and
	// applies the new one
	moveId := purchase(2, "B2", "2028-01-01", 50)
	if err := workflow.UpdateEvent(ctx, models.EventKindPurchase, moveId, &models.NewStockEvent{
		ProductId: 2, BatchNumber: "B3", Expiry: "2028-01-01",
		Qty: decimal.NewFromInt(50), Mrp: decimal.NewFromInt(50), PurchaseRate: decimal.NewFromInt(40),
		RateA: decimal.NewFromInt(48), RateB: decimal.NewFromInt(46), RateC: decimal.NewFromInt(44),
		SupplierId: 1, InvoiceNo: "INV-2",
	}); err != nil {
		t.Fatalf("move purchase to new batch: %v", err)
	}
	mustStock(2, "B2", 0)
	mustStock(2, "B3", 50)

	// challan conversion is stock-neutral and moves descriptor ownership
	if _, err := workflow.RecordEvent(ctx, models.EventKindSupplierChallanItem, &models.NewStockEvent{
		ProductId: 2, BatchNumber: "B3", Expiry: "2028-01-01",
		Qty: decimal.NewFromInt(40), Mrp: decimal.NewFromInt(55), PurchaseRate: decimal.NewFromInt(42),
		RateA: decimal.NewFromInt(50), RateB: decimal.NewFromInt(48), RateC: decimal.NewFromInt(46),
		SupplierId: 1, ChallanNo: "CH-1",
	}); err != nil {
		t.Fatalf("record challan item: %v", err)
	}
	mustStock(2, "B3", 90)
	converted, err := workflow.ConvertSupplierChallan(ctx, 1, "CH-1", "INV-3")
	if err != nil {
		t.Fatalf("convert challan: %v", err)
	}
	if converted != 1 {
		t.Fatalf("expected 1 converted item, got %d", converted)
	}
	mustStock(2, "B3", 90)
	report, err := workflow.ReconcileProduct(ctx, 2)
	if err != nil {
		t.Fatalf("reconcile after conversion: %v", err)
	}
	if report.DivergentKeys != 0 {
		t.Fatalf("conversion must not diverge the cache, got %d divergent keys", report.DivergentKeys)
	}

	// conflicting expiry on an existing batch is recorded, not rejected
	purchase(2, "B3", "2028-06-30", 5)
	mustStock(2, "B3", 95)
	assertAnomaly(t, models.AnomalyExpiryMismatch, 2, "B3")

	// unparseable expiry tags the batch unknown and records an anomaly
	purchase(3, "B4", "soon", 10)
	entry, err = models.GetBatchCache(config.GetDB(), 3, "B4")
	if err != nil || entry == nil {
		t.Fatalf("expected batch entry for B4, err=%v", err)
	}
	if entry.ExpiryStatus != models.ExpiryStatusUnknown {
		t.Fatalf("expected unknown expiry status, got %s", entry.ExpiryStatus)
	}
	assertAnomaly(t, models.AnomalyExpiryUnparseable, 3, "B4")

	// strict mode rejects instead
	t.Setenv("STRICT_EXPIRY", "1")
	_, err = workflow.RecordEvent(ctx, models.EventKindPurchase, &models.NewStockEvent{
		ProductId: 3, BatchNumber: "B5", Expiry: "whenever",
		Qty: decimal.NewFromInt(10), Mrp: decimal.NewFromInt(50), PurchaseRate: decimal.NewFromInt(40),
	})
	if !errors.Is(err, models.ErrInvalidEvent) {
		t.Fatalf("expected strict expiry rejection, got %v", err)
	}
	t.Setenv("STRICT_EXPIRY", "")

	// batch listing orders soonest expiry first, unknown last
	purchase(4, "EARLY", "2026-12-31", 10)
	purchase(4, "LATE", "2028-01-01", 10)
	purchase(4, "NOEXP", "", 10)
	batches, err := models.BatchesForProduct(ctx, 4, true)
	if err != nil {
		t.Fatalf("batches for product: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	order := []string{batches[0].BatchNumber, batches[1].BatchNumber, batches[2].BatchNumber}
	if order[0] != "EARLY" || order[1] != "LATE" || order[2] != "NOEXP" {
		t.Fatalf("unexpected batch order: %v", order)
	}
}

// Two writers racing to move the same event to different batch keys
// must serialize on the event's current key: whichever update lands
// second has to observe the key chosen by the first, not the key it read
// before locking.
func TestConcurrentKeyMovesStayConsistent(t *testing.T) {
	ctx := setupIntegration(t)

	in := func(batch string) *models.NewStockEvent {
		return &models.NewStockEvent{
			ProductId:    7,
			BatchNumber:  batch,
			Expiry:       "2028-06-30",
			Qty:          decimal.NewFromInt(50),
			Mrp:          decimal.NewFromInt(50),
			PurchaseRate: decimal.NewFromInt(40),
			SupplierId:   1,
			InvoiceNo:    "INV-7",
		}
	}
	id, err := workflow.RecordEvent(ctx, models.EventKindPurchase, in("M1"))
	if err != nil {
		t.Fatalf("record purchase: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, batch := range []string{"M2", "M3"} {
		wg.Add(1)
		go func(i int, batch string) {
			defer wg.Done()
			errs[i] = workflow.UpdateEvent(ctx, models.EventKindPurchase, id, in(batch))
		}(i, batch)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent update %d: %v", i, err)
		}
	}

	row, err := models.GetEventRow(config.GetDB(), models.EventKindPurchase, id)
	if err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if row.BatchNumber != "M2" && row.BatchNumber != "M3" {
		t.Fatalf("expected the event on M2 or M3, got %q", row.BatchNumber)
	}
	stock, err := models.Stock(ctx, 7, row.BatchNumber)
	if err != nil {
		t.Fatalf("stock query: %v", err)
	}
	if !stock.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected all 50 units on the winning key, got %s", stock)
	}
	for _, batch := range []string{"M1", "M2", "M3"} {
		if batch == row.BatchNumber {
			continue
		}
		stock, err := models.Stock(ctx, 7, batch)
		if err != nil {
			t.Fatalf("stock query: %v", err)
		}
		if !stock.IsZero() {
			t.Fatalf("expected losing key %s to be empty, got %s", batch, stock)
		}
	}
	report, err := workflow.ReconcileProduct(ctx, 7)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.DivergentKeys != 0 {
		t.Fatalf("expected no divergence after racing key moves, got %d", report.DivergentKeys)
	}
}

func assertAnomaly(t *testing.T, kind models.AnomalyKind, productId int, batchNumber string) {
	t.Helper()
	var n int64
	err := config.GetDB().Model(&models.InventoryAnomaly{}).
		Where("kind = ? AND product_id = ? AND batch_number = ?", kind, productId, batchNumber).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count anomalies: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected %s anomaly for product %d batch %s", kind, productId, batchNumber)
	}
}

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "pharma_test")
	t.Setenv("LOW_STOCK_THRESHOLD", "10")
	t.Setenv("STRICT_EXPIRY", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := utils.SetUserIdInContext(context.Background(), 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	return ctx
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pharma-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pharma-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=pharma_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
