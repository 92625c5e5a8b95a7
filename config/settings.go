package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Operational thresholds for the procurement workflows. All are env-driven so
// deployments can tune them without a release.

// HighValuePoThreshold returns the grand-total amount above which a purchase
// order requires an attached approval document before it can be approved.
//
// Set via env:
// - HIGH_VALUE_PO_THRESHOLD=10000
func HighValuePoThreshold() decimal.Decimal {
	v := strings.TrimSpace(os.Getenv("HIGH_VALUE_PO_THRESHOLD"))
	if v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return decimal.NewFromInt(10000)
}

// MinInspectorCount returns the minimum number of inspectors that must have
// signed off on a receipt before it can be posted.
//
// Set via env:
// - MIN_INSPECTOR_COUNT=3
func MinInspectorCount() int {
	return intFromEnv("MIN_INSPECTOR_COUNT", 3)
}

// ContractPriceCacheTTL returns the lifespan of cached contract prices.
//
// Set via env:
// - CONTRACT_PRICE_CACHE_TTL_HOURS=1
func ContractPriceCacheTTL() time.Duration {
	return time.Duration(intFromEnv("CONTRACT_PRICE_CACHE_TTL_HOURS", 1)) * time.Hour
}

// ReservationExpiryDays returns how long a budget reservation survives without
// the PR being decided before the sweeper releases it.
//
// Set via env:
// - RESERVATION_EXPIRY_DAYS=30
func ReservationExpiryDays() int {
	return intFromEnv("RESERVATION_EXPIRY_DAYS", 30)
}
