package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/models"
)

// Repair tool: rewrite drifted cached quantities from the movement ledger.
// The ledger is the system of record, so repair always flows ledger ->
// cache, never the other way. Dry run by default; pass --apply to write.
func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id (uuid)")
	warehouseID := flag.Int("warehouse-id", 0, "Optional: restrict to one warehouse")
	sku := flag.String("sku", "", "Optional: restrict to one sku")
	apply := flag.Bool("apply", false, "Write repaired quantities (default: dry run)")
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

	repaired := 0
	for _, line := range lines {
		tx := db.Begin()
		if tx.Error != nil {
			fmt.Fprintf(os.Stderr, "begin failed: %v\n", tx.Error)
			os.Exit(1)
		}
		ledgerSum, err := models.SumMovementDeltas(tx, line.TenantId, line.WarehouseId, line.Sku)
		if err != nil {
			tx.Rollback()
			fmt.Fprintf(os.Stderr, "failed to sum movements for warehouse_id=%d sku=%s: %v\n", line.WarehouseId, line.Sku, err)
			os.Exit(1)
		}
		if ledgerSum.Equal(line.Quantity) {
			tx.Rollback()
			continue
		}

		fmt.Printf("REPAIR warehouse_id=%d sku=%s cached=%s -> ledger=%s\n",
			line.WarehouseId, line.Sku, line.Quantity.String(), ledgerSum.String())
		if !*apply {
			tx.Rollback()
			repaired++
			continue
		}

		if err := tx.Model(&models.StockLine{}).
			Where("id = ?", line.ID).
			Update("quantity", ledgerSum).Error; err != nil {
			tx.Rollback()
			fmt.Fprintf(os.Stderr, "failed to repair warehouse_id=%d sku=%s: %v\n", line.WarehouseId, line.Sku, err)
			os.Exit(1)
		}
		if err := tx.Commit().Error; err != nil {
			fmt.Fprintf(os.Stderr, "commit failed: %v\n", err)
			os.Exit(1)
		}
		repaired++
	}

	mode := "would repair"
	if *apply {
		mode = "repaired"
	}
	fmt.Printf("checked %d stock lines, %s %d\n", len(lines), mode, repaired)
}
