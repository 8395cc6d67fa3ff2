package workflow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/models"
	"github.com/repaircore/stock_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AdjustInput struct {
	TenantId    string                `json:"tenant_id" validate:"required"`
	WarehouseId int                   `json:"warehouse_id" validate:"required,gt=0"`
	ActorId     int                   `json:"actor_id"`
	Sku         string                `json:"sku" validate:"required"`
	QtyDelta    decimal.Decimal       `json:"qty_delta"`
	Reason      models.MovementReason `json:"reason"`
	RefId       int                   `json:"ref_id"`
	Description string                `json:"description"`
}

type ChangeSkuInput struct {
	TenantId     string `json:"tenant_id" validate:"required"`
	WarehouseId  int    `json:"warehouse_id" validate:"required,gt=0"`
	ActorId      int    `json:"actor_id"`
	DeviceUnitId int    `json:"device_unit_id" validate:"required,gt=0"`
	ToSku        string `json:"to_sku" validate:"required"`
}

type TransferInput struct {
	TenantId        string          `json:"tenant_id" validate:"required"`
	FromWarehouseId int             `json:"from_warehouse_id" validate:"required,gt=0"`
	ToWarehouseId   int             `json:"to_warehouse_id" validate:"required,gt=0"`
	ActorId         int             `json:"actor_id"`
	Sku             string          `json:"sku" validate:"required"`
	Qty             decimal.Decimal `json:"qty"`
	RefId           int             `json:"ref_id"`
}

// AdjustmentWorkflow covers the manual corrections: free-form adjustments,
// device SKU changes and warehouse transfers. All of them go through the
// movement ledger so the audit trail stays complete.
type AdjustmentWorkflow struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAdjustmentWorkflow(db *gorm.DB, logger *logrus.Logger) *AdjustmentWorkflow {
	return &AdjustmentWorkflow{db: db, logger: logger}
}

// Adjust posts a single signed correction movement. A zero delta is
// rejected, never silently dropped.
func (w *AdjustmentWorkflow) Adjust(ctx context.Context, input *AdjustInput) (*models.StockMovement, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.QtyDelta.IsZero() {
		return nil, &models.InvalidQuantityError{Field: "qty_delta", Qty: input.QtyDelta}
	}
	reason := input.Reason
	if reason == "" {
		reason = models.MovementReasonAdjustment
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	var mv *models.StockMovement
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireTenantPostingLock(tx, input.TenantId); err != nil {
			return err
		}
		defer ReleaseTenantPostingLock(tx, input.TenantId)

		var err error
		mv, err = RecordMovement(tx, w.logger, &models.StockMovement{
			TenantId:      input.TenantId,
			WarehouseId:   input.WarehouseId,
			Sku:           input.Sku,
			QtyDelta:      input.QtyDelta,
			Reason:        reason,
			RefType:       models.RefTypeAdjustments,
			RefId:         input.RefId,
			ActorId:       input.ActorId,
			CorrelationId: correlationId,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	models.PublishAuditEvent(ctx, w.logger, &models.AuditEvent{
		TenantId:      input.TenantId,
		Event:         "stock.adjusted",
		RefType:       models.RefTypeAdjustments,
		RefId:         input.RefId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	return mv, nil
}

// ChangeSku moves one serialized unit from its current SKU to another:
// a -1 debit on the old SKU, a +1 credit on the new one, then the unit's
// SKU field. Debit and credit commit separately; if the credit fails after
// the debit committed, a compensating sku_change_rollback movement restores
// the old SKU's quantity and the unit is left untouched.
func (w *AdjustmentWorkflow) ChangeSku(ctx context.Context, input *ChangeSkuInput) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	db := w.db.WithContext(ctx)
	one := decimal.NewFromInt(1)

	// Debit the old SKU.
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	unit, err := models.FetchDeviceUnitForUpdate(tx, input.TenantId, input.DeviceUnitId)
	if err != nil {
		tx.Rollback()
		return err
	}
	fromSku := unit.Sku
	if fromSku == input.ToSku {
		tx.Rollback()
		return errors.New("device unit already has sku " + input.ToSku)
	}
	_, err = RecordMovement(tx, w.logger, &models.StockMovement{
		TenantId:      input.TenantId,
		WarehouseId:   input.WarehouseId,
		Sku:           fromSku,
		QtyDelta:      one.Neg(),
		Reason:        models.MovementReasonAdjustment,
		RefType:       models.RefTypeSkuChange,
		RefId:         input.DeviceUnitId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	if err == nil {
		err = tx.Commit().Error
	}
	if err != nil {
		tx.Rollback()
		return err
	}

	// Credit the new SKU and rewrite the unit, together.
	tx = db.Begin()
	if tx.Error != nil {
		w.revertSkuDebit(ctx, input, fromSku, correlationId)
		return tx.Error
	}
	_, err = RecordMovement(tx, w.logger, &models.StockMovement{
		TenantId:      input.TenantId,
		WarehouseId:   input.WarehouseId,
		Sku:           input.ToSku,
		QtyDelta:      one,
		Reason:        models.MovementReasonAdjustment,
		RefType:       models.RefTypeSkuChange,
		RefId:         input.DeviceUnitId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	if err == nil {
		err = models.SetStockLineIsPart(tx, input.TenantId, input.WarehouseId, input.ToSku, false)
	}
	if err == nil {
		err = models.UpdateDeviceUnitSku(tx, input.TenantId, input.DeviceUnitId, input.ToSku)
	}
	if err == nil {
		err = tx.Commit().Error
	}
	if err != nil {
		tx.Rollback()
		w.revertSkuDebit(ctx, input, fromSku, correlationId)
		return err
	}

	models.PublishAuditEvent(ctx, w.logger, &models.AuditEvent{
		TenantId:      input.TenantId,
		Event:         "stock.sku_changed",
		RefType:       models.RefTypeSkuChange,
		RefId:         input.DeviceUnitId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	return nil
}

// revertSkuDebit appends the compensating +1 movement for a committed
// sku-change debit. Best-effort: failure is logged, the drift shows up in
// ledger verification.
func (w *AdjustmentWorkflow) revertSkuDebit(ctx context.Context, input *ChangeSkuInput, fromSku string, correlationId string) {
	tx := w.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		config.LogError(w.logger, "adjustmentWorkflow.go", "revertSkuDebit", "Begin", input, tx.Error)
		return
	}
	_, err := RecordMovement(tx, w.logger, &models.StockMovement{
		TenantId:      input.TenantId,
		WarehouseId:   input.WarehouseId,
		Sku:           fromSku,
		QtyDelta:      decimal.NewFromInt(1),
		Reason:        models.MovementReasonAdjustment,
		RefType:       models.RefTypeSkuChangeRollback,
		RefId:         input.DeviceUnitId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	if err == nil {
		err = tx.Commit().Error
	}
	if err != nil {
		tx.Rollback()
		config.LogError(w.logger, "adjustmentWorkflow.go", "revertSkuDebit", "RecordMovement", input, err)
	}
}

// TransferStock posts the transfer_out / transfer_in pair in one
// transaction, so either both warehouses move or neither does.
func (w *AdjustmentWorkflow) TransferStock(ctx context.Context, input *TransferInput) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Qty.IsPositive() {
		return &models.InvalidQuantityError{Field: "qty", Qty: input.Qty}
	}
	if input.FromWarehouseId == input.ToWarehouseId {
		return errors.New("transfer requires distinct warehouses")
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireTenantPostingLock(tx, input.TenantId); err != nil {
			return err
		}
		defer ReleaseTenantPostingLock(tx, input.TenantId)

		if _, err := RecordMovement(tx, w.logger, &models.StockMovement{
			TenantId:      input.TenantId,
			WarehouseId:   input.FromWarehouseId,
			Sku:           input.Sku,
			QtyDelta:      input.Qty.Neg(),
			Reason:        models.MovementReasonTransferOut,
			RefType:       models.RefTypeTransfers,
			RefId:         input.RefId,
			ActorId:       input.ActorId,
			CorrelationId: correlationId,
		}); err != nil {
			return err
		}
		_, err := RecordMovement(tx, w.logger, &models.StockMovement{
			TenantId:      input.TenantId,
			WarehouseId:   input.ToWarehouseId,
			Sku:           input.Sku,
			QtyDelta:      input.Qty,
			Reason:        models.MovementReasonTransferIn,
			RefType:       models.RefTypeTransfers,
			RefId:         input.RefId,
			ActorId:       input.ActorId,
			CorrelationId: correlationId,
		})
		return err
	})
	if err != nil {
		return err
	}

	models.PublishAuditEvent(ctx, w.logger, &models.AuditEvent{
		TenantId:      input.TenantId,
		Event:         "stock.transferred",
		RefType:       models.RefTypeTransfers,
		RefId:         input.RefId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	return nil
}
