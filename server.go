package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
	"bitbucket.org/mmdatafocus/pharma_backend/models/reports"
	"bitbucket.org/mmdatafocus/pharma_backend/utils"
	"bitbucket.org/mmdatafocus/pharma_backend/workflow"
)

const defaultPort = "8080"

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// statusForError maps the engine's error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	var insufficient *models.InsufficientStockError
	var overdraw *models.OverdrawRejectionError
	var divergence *models.CacheDivergenceError
	switch {
	case errors.Is(err, models.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrEventNotFound):
		return http.StatusNotFound
	case errors.As(err, &insufficient), errors.As(err, &overdraw):
		return http.StatusConflict
	case errors.Is(err, models.ErrLockTimeout):
		return http.StatusLocked
	case errors.As(err, &divergence):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

func pathInt(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

func recordEventHandler(c *gin.Context) {
	kind, err := models.ParseEventKind(c.Param("kind"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	var input models.NewStockEvent
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := workflow.RecordEvent(c.Request.Context(), kind, &input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func updateEventHandler(c *gin.Context) {
	kind, err := models.ParseEventKind(c.Param("kind"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	var input models.NewStockEvent
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := workflow.UpdateEvent(c.Request.Context(), kind, id, &input); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func deleteEventHandler(c *gin.Context) {
	kind, err := models.ParseEventKind(c.Param("kind"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	id, ok := pathInt(c, "id")
	if !ok {
		return
	}
	if err := workflow.DeleteEvent(c.Request.Context(), kind, id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func productSummaryHandler(c *gin.Context) {
	productId, ok := pathInt(c, "productId")
	if !ok {
		return
	}
	summary, err := models.ProductSummary(c.Request.Context(), productId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func productBatchesHandler(c *gin.Context) {
	productId, ok := pathInt(c, "productId")
	if !ok {
		return
	}
	includeExpired := c.Query("include_expired") == "true"
	batches, err := models.BatchesForProduct(c.Request.Context(), productId, includeExpired)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

func batchStockHandler(c *gin.Context) {
	productId, ok := pathInt(c, "productId")
	if !ok {
		return
	}
	batchNo := c.Query("batch_no")
	if batchNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_no is required"})
		return
	}
	stock, err := models.Stock(c.Request.Context(), productId, batchNo)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productId, "batch_no": batchNo, "current_stock": stock})
}

func batchAvailableHandler(c *gin.Context) {
	productId, ok := pathInt(c, "productId")
	if !ok {
		return
	}
	batchNo := c.Query("batch_no")
	qty, err := decimal.NewFromString(c.Query("qty"))
	if batchNo == "" || err != nil || !qty.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_no and positive qty are required"})
		return
	}
	available, err := models.Available(c.Request.Context(), productId, batchNo, qty)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available})
}

func productsByStatusHandler(c *gin.Context) {
	status := models.StockStatus(c.Query("status"))
	switch status {
	case "", models.StockStatusInStock, models.StockStatusLowStock, models.StockStatusOutOfStock:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stock status"})
		return
	}
	entries, err := models.ProductsByStatus(c.Request.Context(), status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func convertChallanHandler(c *gin.Context) {
	var input struct {
		SupplierId int    `json:"supplier_id" binding:"required"`
		ChallanNo  string `json:"challan_no" binding:"required"`
		InvoiceNo  string `json:"invoice_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	converted, err := workflow.ConvertSupplierChallan(c.Request.Context(), input.SupplierId, input.ChallanNo, input.InvoiceNo)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"converted": converted})
}

func rebuildHandler(c *gin.Context) {
	if productIdStr := c.Query("product_id"); productIdStr != "" {
		productId, err := strconv.Atoi(productIdStr)
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product_id"})
			return
		}
		report, err := workflow.RebuildProduct(c.Request.Context(), productId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}
	report, err := workflow.RebuildAll(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func reconcileHandler(c *gin.Context) {
	if productIdStr := c.Query("product_id"); productIdStr != "" {
		productId, err := strconv.Atoi(productIdStr)
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product_id"})
			return
		}
		report, err := workflow.ReconcileProduct(c.Request.Context(), productId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}
	report, err := workflow.ReconcileAll(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func anomaliesHandler(c *gin.Context) {
	db := config.GetDB()
	if db == nil {
		abortWithError(c, models.ErrDBNotInitialized)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := models.ListAnomalies(db.WithContext(c.Request.Context()), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func lastRebuildHandler(c *gin.Context) {
	report, err := workflow.LastRebuildReport()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"last_rebuild": nil})
		return
	}
	c.JSON(http.StatusOK, report)
}

func stockMovementHandler(c *gin.Context) {
	from, err := time.Parse("2006-01-02", c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
		return
	}
	to, err := time.Parse("2006-01-02", c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
		return
	}
	productId := 0
	if s := c.Query("product_id"); s != "" {
		if productId, err = strconv.Atoi(s); err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product_id"})
			return
		}
	}
	rows, err := reports.GetStockMovementReport(c.Request.Context(), from, to.AddDate(0, 0, 1), productId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func inventoryExportHandler(c *gin.Context) {
	f, err := reports.ExportBatchInventoryExcel(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=inventory.xlsx")
	if err := f.Write(c.Writer); err != nil {
		config.LogError(config.GetLogger(), "server.go", "inventoryExportHandler", "writing workbook", nil, err)
	}
}

func healthzHandler(c *gin.Context) {
	db := config.GetDB()
	rdb := config.GetRedisDB()
	out := gin.H{"db": "down", "redis": "down"}
	healthy := true
	if db != nil {
		if sqlDB, err := db.DB(); err == nil && sqlDB.PingContext(c.Request.Context()) == nil {
			out["db"] = "up"
			if n, err := models.CountAnomalies(db.WithContext(c.Request.Context())); err == nil {
				out["anomalies"] = n
			}
		} else {
			healthy = false
		}
	} else {
		healthy = false
	}
	if rdb != nil && rdb.Ping(c.Request.Context()).Err() == nil {
		out["redis"] = "up"
	} else {
		healthy = false
	}
	if report, err := workflow.LastRebuildReport(); err == nil && report != nil {
		out["last_rebuild"] = report
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	// App endpoints answer 503 until the database is connected; the
	// health endpoint stays reachable throughout startup.
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
			return
		}
		c.Next()
	})
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "x-correlation-id")
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", healthzHandler)

	api := r.Group("/api")
	{
		api.POST("/events/:kind", recordEventHandler)
		api.PUT("/events/:kind/:id", updateEventHandler)
		api.DELETE("/events/:kind/:id", deleteEventHandler)

		api.GET("/stock/:productId", productSummaryHandler)
		api.GET("/stock/:productId/batches", productBatchesHandler)
		api.GET("/stock/:productId/batch", batchStockHandler)
		api.GET("/stock/:productId/available", batchAvailableHandler)
		api.GET("/products", productsByStatusHandler)

		api.POST("/challans/supplier/convert", convertChallanHandler)

		api.GET("/reports/stock-movement", stockMovementHandler)
		api.GET("/reports/inventory.xlsx", inventoryExportHandler)
	}

	ops := r.Group("/internal/ops")
	{
		ops.POST("/rebuild", rebuildHandler)
		ops.POST("/reconcile", reconcileHandler)
		ops.GET("/anomalies", anomaliesHandler)
		ops.GET("/rebuild/last", lastRebuildHandler)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(); err != nil {
			config.LogError(logger, "server.go", "main", "running migrations", nil, err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// READ COMMITTED keeps the row locks taken by the cache writers short.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{"port": port}).Info("inventory service started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
