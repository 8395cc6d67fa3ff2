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

// PurchaseBatch is one purchase order line: the unit of FIFO allocation.
// UsedForRepair is the cumulative quantity already claimed out of this
// batch; remaining = received_qty - used_for_repair. Invariant:
// 0 <= used_for_repair <= received_qty, enforced by the guarded UPDATEs
// below rather than application reads.
type PurchaseBatch struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"index:idx_batch_fifo,priority:1;size:36;not null" json:"tenant_id"`
	Sku           string          `gorm:"index:idx_batch_fifo,priority:2;size:100;not null" json:"sku"`
	WarehouseId   int             `gorm:"index:idx_batch_fifo,priority:3;not null" json:"warehouse_id"`
	PurchaseId    int             `gorm:"index;not null" json:"purchase_id"`
	OrderedQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ordered_qty"`
	ReceivedQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"received_qty"`
	UsedForRepair decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"used_for_repair"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index:idx_batch_fifo,priority:4" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Remaining is the unallocated received quantity of this batch.
func (b *PurchaseBatch) Remaining() decimal.Decimal {
	return b.ReceivedQty.Sub(b.UsedForRepair)
}

// RemainingToReceive is the unreceived ordered quantity.
func (b *PurchaseBatch) RemainingToReceive() decimal.Decimal {
	return b.OrderedQty.Sub(b.ReceivedQty)
}

// GetEligibleBatchesForUpdate locks and returns batches with remaining
// stock for (tenant, sku[, warehouse]), oldest first. warehouseId 0 means
// any warehouse. The FOR UPDATE lock is what stops two concurrent
// allocations claiming the same remainder.
func GetEligibleBatchesForUpdate(tx *gorm.DB, tenantId string, sku string, warehouseId int) ([]*PurchaseBatch, error) {
	dbCtx := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND sku = ?", tenantId, sku).
		Where("received_qty - used_for_repair > 0")
	if warehouseId > 0 {
		dbCtx = dbCtx.Where("warehouse_id = ?", warehouseId)
	}

	var batches []*PurchaseBatch
	if err := dbCtx.Order("created_at, id").Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// FetchBatchForUpdate locks one batch row by id, tenant-scoped.
func FetchBatchForUpdate(tx *gorm.DB, tenantId string, id int) (*PurchaseBatch, error) {
	var batch PurchaseBatch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantId).
		First(&batch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// IncrementBatchUsed claims qty units out of a batch. The WHERE guard keeps
// used_for_repair within received_qty even if the caller's view is stale.
func IncrementBatchUsed(tx *gorm.DB, batchId int, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return &InvalidQuantityError{Field: "qty", Qty: qty}
	}
	res := tx.Exec(
		"UPDATE purchase_batches SET used_for_repair = used_for_repair + ? WHERE id = ? AND used_for_repair + ? <= received_qty",
		qty, batchId, qty,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("batch claim exceeds received quantity")
	}
	return nil
}

// DecrementBatchUsed releases qty units back to a batch, floored at 0.
// Best-effort compensation: a missing batch row is reported via the bool,
// never as an error.
func DecrementBatchUsed(tx *gorm.DB, batchId int, qty decimal.Decimal) (bool, error) {
	if !qty.IsPositive() {
		return false, &InvalidQuantityError{Field: "qty", Qty: qty}
	}
	res := tx.Exec(
		"UPDATE purchase_batches SET used_for_repair = GREATEST(used_for_repair - ?, 0) WHERE id = ?",
		qty, batchId,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IncrementBatchReceived records received units against the batch inside
// the receiving transaction. Over-receipt is validated by the workflow
// before any mutation; the guard here is the backstop.
func IncrementBatchReceived(tx *gorm.DB, batchId int, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return &InvalidQuantityError{Field: "qty", Qty: qty}
	}
	res := tx.Exec(
		"UPDATE purchase_batches SET received_qty = received_qty + ? WHERE id = ? AND received_qty + ? <= ordered_qty",
		qty, batchId, qty,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("receipt exceeds ordered quantity")
	}
	return nil
}

type NewPurchaseBatch struct {
	Sku         string          `json:"sku" binding:"required"`
	WarehouseId int             `json:"warehouse_id" binding:"required"`
	PurchaseId  int             `json:"purchase_id" binding:"required"`
	OrderedQty  decimal.Decimal `json:"ordered_qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func CreatePurchaseBatch(ctx context.Context, input *NewPurchaseBatch) (*PurchaseBatch, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, tenantId, input.WarehouseId); err != nil {
		return nil, errors.New("warehouse not found")
	}
	if !input.OrderedQty.IsPositive() {
		return nil, &InvalidQuantityError{Field: "ordered_qty", Qty: input.OrderedQty}
	}
	if input.UnitPrice.IsNegative() {
		return nil, &InvalidQuantityError{Field: "unit_price", Qty: input.UnitPrice}
	}

	batch := PurchaseBatch{
		TenantId:    tenantId,
		Sku:         input.Sku,
		WarehouseId: input.WarehouseId,
		PurchaseId:  input.PurchaseId,
		OrderedQty:  input.OrderedQty,
		UnitPrice:   input.UnitPrice,
		IsActive:    utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}
