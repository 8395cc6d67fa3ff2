package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/models"
)

// Reconciliation tool: recompute each stock line's balance from the
// movement ledger and report any drift against the cached quantity.
// Exit code 2 means drift was found.
func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id (uuid)")
	warehouseID := flag.Int("warehouse-id", 0, "Optional: restrict to one warehouse")
	sku := flag.String("sku", "", "Optional: restrict to one sku")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	query := db.Where("tenant_id = ?", *tenantID)
	if *warehouseID > 0 {
		query = query.Where("warehouse_id = ?", *warehouseID)
	}
	if strings.TrimSpace(*sku) != "" {
		query = query.Where("sku = ?", strings.TrimSpace(*sku))
	}

	var lines []*models.StockLine
	if err := query.Order("warehouse_id, sku").Find(&lines).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to load stock lines: %v\n", err)
		os.Exit(1)
	}

	driftCount := 0
	for _, line := range lines {
		ledgerSum, err := models.SumMovementDeltas(db, line.TenantId, line.WarehouseId, line.Sku)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sum movements for warehouse_id=%d sku=%s: %v\n", line.WarehouseId, line.Sku, err)
			os.Exit(1)
		}
		if !ledgerSum.Equal(line.Quantity) {
			driftCount++
			fmt.Printf("DRIFT warehouse_id=%d sku=%s cached=%s ledger=%s diff=%s\n",
				line.WarehouseId, line.Sku,
				line.Quantity.String(), ledgerSum.String(),
				line.Quantity.Sub(ledgerSum).String())
		}
	}

	fmt.Printf("checked %d stock lines, %d with drift\n", len(lines), driftCount)
	if driftCount > 0 {
		os.Exit(2)
	}
}
