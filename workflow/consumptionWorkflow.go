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

type ConsumeLine struct {
	Sku         string          `json:"sku"`
	Qty         decimal.Decimal `json:"qty"`
	ReasonId    int             `json:"reason_id" validate:"required,gt=0"`
	ModelName   string          `json:"model_name"`
	Description string          `json:"description"`
}

type ConsumeInput struct {
	TenantId    string        `json:"tenant_id" validate:"required"`
	WarehouseId int           `json:"warehouse_id" validate:"required,gt=0"`
	ActorId     int           `json:"actor_id"`
	RepairId    int           `json:"repair_id" validate:"required,gt=0"`
	Lines       []ConsumeLine `json:"lines" validate:"required,min=1"`
}

type ConsumeLineResult struct {
	Sku          string            `json:"sku"`
	RequestedQty decimal.Decimal   `json:"requested_qty"`
	ReasonId     int               `json:"reason_id"`
	FixedPrice   bool              `json:"fixed_price"`
	Claims       []AllocationClaim `json:"claims,omitempty"`
	TotalCost    decimal.Decimal   `json:"total_cost"`
	UnitCost     decimal.Decimal   `json:"unit_cost"`
}

type ConsumptionResult struct {
	TotalQty      decimal.Decimal     `json:"total_qty"`
	TotalCost     decimal.Decimal     `json:"total_cost"`
	CorrelationId string              `json:"correlation_id"`
	Lines         []ConsumeLineResult `json:"lines"`
}

// ConsumeOpts selects the transaction strategy. Default: all three phases
// run in one DB transaction and failures roll it back (InnoDB supports
// multi-row transactions, so compensating movements are unnecessary).
// Compensate commits each phase separately and undoes applied phases with
// explicit deallocations and *_rollback movements, the fallback for
// storage without cross-table transactions.
type ConsumeOpts struct {
	Compensate bool
}

// ConsumptionWorkflow orchestrates "consume N units of SKU for reason R"
// against the allocation engine, the movement ledger, and the consumption
// records, with all-or-nothing semantics per call.
type ConsumptionWorkflow struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewConsumptionWorkflow(db *gorm.DB, logger *logrus.Logger) *ConsumptionWorkflow {
	return &ConsumptionWorkflow{db: db, logger: logger}
}

func (w *ConsumptionWorkflow) Consume(ctx context.Context, input *ConsumeInput, opts ConsumeOpts) (*ConsumptionResult, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	// All validation happens before any mutation.
	for _, line := range input.Lines {
		if line.Qty.IsNegative() {
			return nil, &models.InvalidQuantityError{Field: "qty", Qty: line.Qty}
		}
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	// Best-effort redis lock; the MySQL advisory lock inside each path is
	// the real serializer.
	lock := utils.TenantLock(ctx, input.TenantId, "stockposting", "consumptionWorkflow.go", "Consume")
	defer utils.TenantUnlock(ctx, lock)

	var result *ConsumptionResult
	var err error
	if opts.Compensate {
		result, err = w.consumeCompensating(ctx, input, correlationId)
	} else {
		result, err = w.consumeSingleTx(ctx, input, correlationId)
	}
	if err != nil {
		return nil, err
	}

	models.PublishAuditEvent(ctx, w.logger, &models.AuditEvent{
		TenantId:      input.TenantId,
		Event:         "stock.consumed",
		RefType:       models.RefTypeRepairs,
		RefId:         input.RepairId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	return result, nil
}

func (w *ConsumptionWorkflow) consumeSingleTx(ctx context.Context, input *ConsumeInput, correlationId string) (*ConsumptionResult, error) {
	var lineResults []ConsumeLineResult
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Enforce strict per-tenant posting order across instances.
		if err := AcquireTenantPostingLock(tx, input.TenantId); err != nil {
			return err
		}
		defer ReleaseTenantPostingLock(tx, input.TenantId)

		var err error
		lineResults, _, err = w.allocateLines(tx, input)
		if err != nil {
			return err
		}
		if _, err := w.recordLines(tx, input, lineResults, correlationId); err != nil {
			return err
		}
		return w.persistRecords(tx, input, lineResults, correlationId)
	})
	if err != nil {
		return nil, err
	}
	return buildConsumptionResult(lineResults, correlationId), nil
}

// consumeCompensating is the explicit saga: phase commits are independent,
// so every failure path must undo what previous phases already committed.
func (w *ConsumptionWorkflow) consumeCompensating(ctx context.Context, input *ConsumeInput, correlationId string) (*ConsumptionResult, error) {
	db := w.db.WithContext(ctx)

	// Phase 1: allocate everything or nothing.
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	lineResults, allClaims, err := w.allocateLines(tx, input)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	// Phase 2: one movement per part line, each in its own transaction.
	recorded := make([]*models.StockMovement, 0, len(lineResults))
	for _, lr := range lineResults {
		if lr.FixedPrice || lr.RequestedQty.IsZero() {
			continue
		}
		mvTx := db.Begin()
		if mvTx.Error != nil {
			w.compensate(ctx, recorded, allClaims, correlationId)
			return nil, &models.MovementFailedError{Sku: lr.Sku, Err: mvTx.Error}
		}
		mv, err := RecordMovement(mvTx, w.logger, &models.StockMovement{
			TenantId:      input.TenantId,
			WarehouseId:   input.WarehouseId,
			Sku:           lr.Sku,
			QtyDelta:      lr.RequestedQty.Neg(),
			Reason:        models.MovementReasonRepair,
			RefType:       models.RefTypeRepairs,
			RefId:         input.RepairId,
			ActorId:       input.ActorId,
			CorrelationId: correlationId,
		})
		if err == nil {
			err = mvTx.Commit().Error
		}
		if err != nil {
			mvTx.Rollback()
			w.compensate(ctx, recorded, allClaims, correlationId)
			return nil, &models.MovementFailedError{Sku: lr.Sku, Err: err}
		}
		recorded = append(recorded, mv)
	}

	// Phase 3: persist consumption records.
	pTx := db.Begin()
	if pTx.Error != nil {
		w.compensate(ctx, recorded, allClaims, correlationId)
		return nil, &models.PersistFailedError{Err: pTx.Error}
	}
	if err := w.persistRecords(pTx, input, lineResults, correlationId); err != nil {
		pTx.Rollback()
		w.compensate(ctx, recorded, allClaims, correlationId)
		return nil, &models.PersistFailedError{Err: err}
	}
	if err := pTx.Commit().Error; err != nil {
		w.compensate(ctx, recorded, allClaims, correlationId)
		return nil, &models.PersistFailedError{Err: err}
	}

	return buildConsumptionResult(lineResults, correlationId), nil
}

// allocateLines resolves every requested line to either a fixed price or a
// set of batch claims. Any shortfall deallocates every claim made so far in
// this call (across all lines) and fails with InsufficientStock naming the
// offending SKU. No partial consumption.
func (w *ConsumptionWorkflow) allocateLines(tx *gorm.DB, input *ConsumeInput) ([]ConsumeLineResult, []AllocationClaim, error) {
	lineResults := make([]ConsumeLineResult, 0, len(input.Lines))
	allClaims := make([]AllocationClaim, 0)

	for _, line := range input.Lines {
		reason, err := models.GetRepairReason(tx, input.TenantId, line.ReasonId)
		if err != nil {
			DeallocateClaims(tx, w.logger, allClaims)
			return nil, nil, err
		}

		lr := ConsumeLineResult{
			Sku:          line.Sku,
			RequestedQty: line.Qty,
			ReasonId:     line.ReasonId,
			TotalCost:    decimal.Zero,
			UnitCost:     decimal.Zero,
		}

		if reason.IsFixedPrice != nil && *reason.IsFixedPrice {
			// Service-only line: price from the reason table, no batches.
			price, err := models.GetFixedPriceForReason(tx, input.TenantId, line.ReasonId, line.ModelName)
			if err != nil {
				DeallocateClaims(tx, w.logger, allClaims)
				return nil, nil, err
			}
			lr.FixedPrice = true
			lr.UnitCost = price
			lr.TotalCost = price.Mul(line.Qty)
			lineResults = append(lineResults, lr)
			continue
		}

		if line.Qty.IsZero() {
			// Zero-quantity part line is a no-op, not an error.
			lineResults = append(lineResults, lr)
			continue
		}

		alloc, err := AllocateFromBatches(tx, w.logger, input.TenantId, line.Sku, input.WarehouseId, line.Qty)
		if err != nil {
			DeallocateClaims(tx, w.logger, append(allClaims, alloc.Claims...))
			return nil, nil, err
		}
		if alloc.TotalAllocated.LessThan(line.Qty) {
			DeallocateClaims(tx, w.logger, append(allClaims, alloc.Claims...))
			return nil, nil, &models.InsufficientStockError{
				Sku:         line.Sku,
				WarehouseId: input.WarehouseId,
				Required:    line.Qty,
				Available:   alloc.TotalAllocated,
			}
		}

		lr.Claims = alloc.Claims
		for _, claim := range alloc.Claims {
			lr.TotalCost = lr.TotalCost.Add(claim.Qty.Mul(claim.UnitPrice))
		}
		// Weighted average cost; full precision, rounding is display-only.
		lr.UnitCost = lr.TotalCost.Div(line.Qty)
		allClaims = append(allClaims, alloc.Claims...)
		lineResults = append(lineResults, lr)
	}

	return lineResults, allClaims, nil
}

// recordLines posts one negative movement per allocated part line.
func (w *ConsumptionWorkflow) recordLines(tx *gorm.DB, input *ConsumeInput, lineResults []ConsumeLineResult, correlationId string) ([]*models.StockMovement, error) {
	recorded := make([]*models.StockMovement, 0, len(lineResults))
	for _, lr := range lineResults {
		if lr.FixedPrice || lr.RequestedQty.IsZero() {
			continue
		}
		mv, err := RecordMovement(tx, w.logger, &models.StockMovement{
			TenantId:      input.TenantId,
			WarehouseId:   input.WarehouseId,
			Sku:           lr.Sku,
			QtyDelta:      lr.RequestedQty.Neg(),
			Reason:        models.MovementReasonRepair,
			RefType:       models.RefTypeRepairs,
			RefId:         input.RepairId,
			ActorId:       input.ActorId,
			CorrelationId: correlationId,
		})
		if err != nil {
			var insufficient *models.InsufficientStockError
			if errors.As(err, &insufficient) {
				return recorded, err
			}
			return recorded, &models.MovementFailedError{Sku: lr.Sku, Err: err}
		}
		recorded = append(recorded, mv)
	}
	return recorded, nil
}

// persistRecords writes one consumption record per claim (a line satisfied
// from several batches yields several records), freezing each batch's unit
// price. Service lines write a single record with no purchase item.
func (w *ConsumptionWorkflow) persistRecords(tx *gorm.DB, input *ConsumeInput, lineResults []ConsumeLineResult, correlationId string) error {
	records := make([]*models.ConsumptionRecord, 0, len(lineResults))
	for _, lr := range lineResults {
		if lr.RequestedQty.IsZero() {
			continue
		}
		if lr.FixedPrice {
			records = append(records, &models.ConsumptionRecord{
				TenantId:      input.TenantId,
				RepairId:      input.RepairId,
				Sku:           lr.Sku,
				Qty:           lr.RequestedQty,
				UnitCost:      lr.UnitCost,
				ReasonId:      lr.ReasonId,
				ActorId:       input.ActorId,
				CorrelationId: correlationId,
			})
			continue
		}
		for _, claim := range lr.Claims {
			purchaseItemId := claim.PurchaseItemId
			records = append(records, &models.ConsumptionRecord{
				TenantId:       input.TenantId,
				RepairId:       input.RepairId,
				Sku:            lr.Sku,
				Qty:            claim.Qty,
				UnitCost:       claim.UnitPrice,
				ReasonId:       lr.ReasonId,
				PurchaseItemId: &purchaseItemId,
				ActorId:        input.ActorId,
				CorrelationId:  correlationId,
			})
		}
	}
	return models.CreateConsumptionRecords(tx, records)
}

// compensate undoes committed phases of a failed saga: compensating
// positive movements for every recorded debit (tagged repairs_rollback;
// the ledger is append-only, originals stay) and deallocation of every
// batch claim. Each step is best-effort in its own transaction; failures
// are logged, never raised, and re-running the same rollback set is safe:
// deallocation floors at 0 and the caller never re-runs a compensated set.
func (w *ConsumptionWorkflow) compensate(ctx context.Context, recorded []*models.StockMovement, claims []AllocationClaim, correlationId string) {
	db := w.db.WithContext(ctx)

	for _, mv := range recorded {
		tx := db.Begin()
		if tx.Error != nil {
			config.LogError(w.logger, "consumptionWorkflow.go", "compensate", "Begin", mv, tx.Error)
			continue
		}
		_, err := RecordMovement(tx, w.logger, &models.StockMovement{
			TenantId:      mv.TenantId,
			WarehouseId:   mv.WarehouseId,
			Sku:           mv.Sku,
			QtyDelta:      mv.QtyDelta.Neg(),
			Reason:        mv.Reason,
			RefType:       models.RefTypeRepairsRollback,
			RefId:         mv.RefId,
			ActorId:       mv.ActorId,
			CorrelationId: correlationId,
		})
		if err == nil {
			err = tx.Commit().Error
		}
		if err != nil {
			tx.Rollback()
			config.LogError(w.logger, "consumptionWorkflow.go", "compensate", "RollbackMovement", mv, err)
		}
	}

	if len(claims) > 0 {
		tx := db.Begin()
		if tx.Error != nil {
			config.LogError(w.logger, "consumptionWorkflow.go", "compensate", "BeginDeallocate", nil, tx.Error)
			return
		}
		DeallocateClaims(tx, w.logger, claims)
		if err := tx.Commit().Error; err != nil {
			tx.Rollback()
			config.LogError(w.logger, "consumptionWorkflow.go", "compensate", "CommitDeallocate", nil, err)
		}
	}
}

func buildConsumptionResult(lineResults []ConsumeLineResult, correlationId string) *ConsumptionResult {
	result := &ConsumptionResult{
		TotalQty:      decimal.Zero,
		TotalCost:     decimal.Zero,
		CorrelationId: correlationId,
		Lines:         lineResults,
	}
	for _, lr := range lineResults {
		result.TotalQty = result.TotalQty.Add(lr.RequestedQty)
		result.TotalCost = result.TotalCost.Add(lr.TotalCost)
	}
	return result
}
