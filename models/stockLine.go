package models

import (
	"context"
	"errors"
	"time"

	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockLine is the cached current quantity per (tenant, warehouse, sku).
// It is derived state: stock_movements is the system of record, and the
// ledger is the only writer of Quantity (administrative tools aside).
type StockLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	TenantId    string          `gorm:"uniqueIndex:uniq_stock_line,priority:1;size:36;not null" json:"tenant_id"`
	WarehouseId int             `gorm:"uniqueIndex:uniq_stock_line,priority:2;not null" json:"warehouse_id"`
	Sku         string          `gorm:"uniqueIndex:uniq_stock_line,priority:3;size:100;not null" json:"sku"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	IsPart      *bool           `gorm:"not null;default:true" json:"is_part"`
	IsActive    *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FirstOrCreateStockLine finds or auto-vivifies the line at quantity 0,
// holding a row lock for the rest of the transaction.
func FirstOrCreateStockLine(tx *gorm.DB, tenantId string, warehouseId int, sku string) (*StockLine, bool, error) {
	isNew := false
	stockLine := StockLine{
		TenantId:    tenantId,
		WarehouseId: warehouseId,
		Sku:         sku,
		IsPart:      utils.NewTrue(),
		IsActive:    utils.NewTrue(),
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND warehouse_id = ? AND sku = ?", tenantId, warehouseId, sku).
		FirstOrCreate(&stockLine)
	if result.Error != nil {
		return nil, isNew, result.Error
	}
	if result.RowsAffected == 1 {
		isNew = true
	}
	return &stockLine, isNew, nil
}

// SetStockLineIsPart flags the line as a consumable part or a serialized
// device SKU, auto-vivifying it at quantity 0 if absent. Serialized flows
// call this so device SKU lines never masquerade as parts.
func SetStockLineIsPart(tx *gorm.DB, tenantId string, warehouseId int, sku string, isPart bool) error {
	line, _, err := FirstOrCreateStockLine(tx, tenantId, warehouseId, sku)
	if err != nil {
		return err
	}
	return tx.Model(&StockLine{}).
		Where("id = ?", line.ID).
		Update("is_part", isPart).Error
}

// ApplyStockDelta is the single mutation entry point for line quantities.
// The guarded single-statement UPDATE keeps the no-negative invariant under
// concurrency without application-level retries.
//
// Absent line + negative delta fails with RecordNotFound (nothing to debit);
// absent line + non-negative delta auto-creates at 0 first.
func ApplyStockDelta(tx *gorm.DB, tenantId string, warehouseId int, sku string, delta decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsZero() {
		return decimal.Zero, &InvalidQuantityError{Field: "delta", Qty: delta}
	}

	var line StockLine
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND warehouse_id = ? AND sku = ?", tenantId, warehouseId, sku).
		First(&line).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, err
		}
		if delta.IsNegative() {
			return decimal.Zero, utils.ErrorRecordNotFound
		}
		created, _, cerr := FirstOrCreateStockLine(tx, tenantId, warehouseId, sku)
		if cerr != nil {
			return decimal.Zero, cerr
		}
		line = *created
	}

	res := tx.Exec(
		"UPDATE stock_lines SET quantity = quantity + ? WHERE id = ? AND quantity + ? >= 0",
		delta, line.ID, delta,
	)
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, &InsufficientStockError{
			Sku:         sku,
			WarehouseId: warehouseId,
			Required:    delta.Neg(),
			Available:   line.Quantity,
		}
	}

	return line.Quantity.Add(delta), nil
}

// GetStockLine reads the current line without locking.
func GetStockLine(ctx context.Context, warehouseId int, sku string) (*StockLine, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	var line StockLine
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND warehouse_id = ? AND sku = ?", tenantId, warehouseId, sku).
		First(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &line, nil
}

// GetStockLines lists non-zero lines for a warehouse.
func GetStockLines(ctx context.Context, warehouseId int) ([]*StockLine, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, tenantId, warehouseId); err != nil {
		return nil, errors.New("warehouse not found")
	}

	var lines []*StockLine
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Where("warehouse_id = ?", warehouseId).
		Not("quantity = 0").
		Find(&lines).Error; err != nil {
		return nil, err
	}
	return lines, nil
}

// DeleteStockLine is an administrative escape hatch only; normal operation
// never removes a line that movements reference.
func DeleteStockLine(ctx context.Context, id int) (*StockLine, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	line, err := utils.FetchModel[StockLine](ctx, tenantId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.Delete(&line).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	return line, tx.Commit().Error
}
