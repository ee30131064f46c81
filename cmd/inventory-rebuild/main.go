package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/workflow"
)

// Rebuilds the inventory caches from the event tables. With
// --product-id it rewrites one product in place; without it the whole
// cache is rebuilt into staging tables and swapped in atomically.
func main() {
	productID := flag.Int("product-id", 0, "Optional: rebuild a single product in place")
	reconcile := flag.Bool("reconcile", false, "Verify cache against events and rebuild only divergent products")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var report interface{}
	var err error
	switch {
	case *reconcile && *productID > 0:
		report, err = workflow.ReconcileProduct(ctx, *productID)
	case *reconcile:
		report, err = workflow.ReconcileAll(ctx)
	case *productID > 0:
		report, err = workflow.RebuildProduct(ctx, *productID)
	default:
		report, err = workflow.RebuildAll(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}
