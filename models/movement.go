package models

import (
	"context"
	"errors"
	"time"

	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockMovement is the append-only ledger of quantity deltas. Rows are
// immutable once written; corrections are compensating rows with the
// opposite delta and a *_rollback ref type.
type StockMovement struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"index:idx_movement_line,priority:1;size:36;not null" json:"tenant_id"`
	WarehouseId   int             `gorm:"index:idx_movement_line,priority:2;not null" json:"warehouse_id"`
	Sku           string          `gorm:"index:idx_movement_line,priority:3;size:100;not null" json:"sku"`
	QtyDelta      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_delta"`
	Reason        MovementReason  `gorm:"type:enum('purchase','transfer_out','transfer_in','repair','adjustment','dead_imei','buyback');not null" json:"reason"`
	RefType       string          `gorm:"size:30;index;not null" json:"ref_type"`
	RefId         int             `gorm:"index" json:"ref_id"`
	ActorId       int             `gorm:"index" json:"actor_id"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index:idx_movement_line,priority:4" json:"created_at"`
}

// AppendStockMovement inserts a movement row. The stock line row must
// already exist: stock_movements carries a referential constraint back to
// stock_lines, so the ledger ensures the line before calling this.
func AppendStockMovement(tx *gorm.DB, mv *StockMovement) error {
	if mv == nil {
		return errors.New("movement is nil")
	}
	if mv.QtyDelta.IsZero() {
		return &InvalidQuantityError{Field: "qty_delta", Qty: mv.QtyDelta}
	}
	if !mv.Reason.IsValid() {
		return errors.New("invalid movement reason: " + string(mv.Reason))
	}
	return tx.Create(mv).Error
}

// MovementAudit is the reconciliation read path: totals plus the raw
// entries for one (warehouse, sku).
type MovementAudit struct {
	Sku           string           `json:"sku"`
	WarehouseId   int              `json:"warehouse_id"`
	TotalInbound  decimal.Decimal  `json:"total_inbound"`
	TotalOutbound decimal.Decimal  `json:"total_outbound"`
	Balance       decimal.Decimal  `json:"balance"`
	Entries       []*StockMovement `json:"entries"`
}

// GetMovementAudit sums ledger deltas for one line. Balance comes from the
// same sum, not the cached StockLine, so drift is visible to callers that
// compare the two.
func GetMovementAudit(ctx context.Context, warehouseId int, sku string) (*MovementAudit, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, tenantId, warehouseId); err != nil {
		return nil, errors.New("warehouse not found")
	}

	db := config.GetDB()

	var entries []*StockMovement
	if err := db.WithContext(ctx).
		Where("tenant_id = ? AND warehouse_id = ? AND sku = ?", tenantId, warehouseId, sku).
		Order("created_at, id").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	audit := &MovementAudit{
		Sku:           sku,
		WarehouseId:   warehouseId,
		TotalInbound:  decimal.Zero,
		TotalOutbound: decimal.Zero,
		Balance:       decimal.Zero,
		Entries:       entries,
	}
	for _, mv := range entries {
		if mv.QtyDelta.IsPositive() {
			audit.TotalInbound = audit.TotalInbound.Add(mv.QtyDelta)
		} else {
			audit.TotalOutbound = audit.TotalOutbound.Add(mv.QtyDelta.Neg())
		}
		audit.Balance = audit.Balance.Add(mv.QtyDelta)
	}
	return audit, nil
}

// SumMovementDeltas recomputes the ledger balance for one line inside an
// existing transaction. Used by reconciliation tooling.
func SumMovementDeltas(tx *gorm.DB, tenantId string, warehouseId int, sku string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&StockMovement{}).
		Select("COALESCE(SUM(qty_delta), 0)").
		Where("tenant_id = ? AND warehouse_id = ? AND sku = ?", tenantId, warehouseId, sku).
		Scan(&total).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return total, nil
}
