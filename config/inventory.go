package config

import (
	"os"
	"strings"
	"time"
)

// Inventory engine knobs. All read from env so that ops can tune a running
// deployment without a rebuild; defaults match the documented contract.
//
// - LOW_STOCK_THRESHOLD : product stock at or below this is "low_stock".
// - LOCK_TIMEOUT_SECONDS : bounded wait for per-batch-key write locks.
// - REBUILD_BATCH_SIZE : batch keys per staging transaction during rebuild.
// - STRICT_EXPIRY : reject events whose expiry cannot be canonicalized
//   instead of tagging the batch expiry_status=unknown.
// - EXPIRING_SOON_MONTHS : window for the expiring_soon batch status.

func LowStockThreshold() int {
	return intFromEnv("LOW_STOCK_THRESHOLD", 10)
}

func LockTimeout() time.Duration {
	return time.Duration(intFromEnv("LOCK_TIMEOUT_SECONDS", 30)) * time.Second
}

func RebuildBatchSize() int {
	n := intFromEnv("REBUILD_BATCH_SIZE", 1000)
	if n <= 0 {
		n = 1000
	}
	return n
}

func StrictExpiry() bool {
	return boolFromEnv("STRICT_EXPIRY")
}

func ExpiringSoonMonths() int {
	return intFromEnv("EXPIRING_SOON_MONTHS", 3)
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
