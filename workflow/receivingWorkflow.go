package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/repaircore/stock_backend/models"
	"github.com/repaircore/stock_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ReceiveLine struct {
	PurchaseItemId int             `json:"purchase_item_id" validate:"required,gt=0"`
	Sku            string          `json:"sku"`
	QtyReceived    decimal.Decimal `json:"qty_received"`
	Identifiers    []string        `json:"identifiers"`
}

type ReceiveInput struct {
	TenantId    string        `json:"tenant_id" validate:"required"`
	PurchaseId  int           `json:"purchase_id" validate:"required,gt=0"`
	WarehouseId int           `json:"warehouse_id" validate:"required,gt=0"`
	ActorId     int           `json:"actor_id"`
	Lines       []ReceiveLine `json:"lines" validate:"required,min=1"`
}

type ReceiveLineResult struct {
	PurchaseItemId int             `json:"purchase_item_id"`
	Sku            string          `json:"sku"`
	QtyReceived    decimal.Decimal `json:"qty_received"`
	Serialized     bool            `json:"serialized"`
}

type ReceiveResult struct {
	TotalQty      decimal.Decimal     `json:"total_qty"`
	CorrelationId string              `json:"correlation_id"`
	Lines         []ReceiveLineResult `json:"lines"`
}

// ReceivingWorkflow posts purchase receipts. Bulk lines post a positive
// ledger movement; serialized lines register one device unit per
// identifier instead (their stock is derived from unit counts). Both
// increment the batch's received quantity.
type ReceivingWorkflow struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewReceivingWorkflow(db *gorm.DB, logger *logrus.Logger) *ReceivingWorkflow {
	return &ReceivingWorkflow{db: db, logger: logger}
}

// receiveLine is a validated line with its locked batch and the quantity
// that will actually be applied.
type receiveLine struct {
	input ReceiveLine
	batch *models.PurchaseBatch
	qty   decimal.Decimal
}

func (l *receiveLine) serialized() bool {
	return len(l.input.Identifiers) > 0
}

func (w *ReceivingWorkflow) Receive(ctx context.Context, input *ReceiveInput) (*ReceiveResult, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	result := &ReceiveResult{
		TotalQty:      decimal.Zero,
		CorrelationId: correlationId,
		Lines:         make([]ReceiveLineResult, 0, len(input.Lines)),
	}
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireTenantPostingLock(tx, input.TenantId); err != nil {
			return err
		}
		defer ReleaseTenantPostingLock(tx, input.TenantId)

		// Validate every line before the first mutation: a receipt with
		// any over-receipt or bad quantity is rejected whole.
		lines, err := w.validateLines(tx, input)
		if err != nil {
			return err
		}

		for _, line := range lines {
			if err := w.applyLine(tx, input, line, correlationId); err != nil {
				return err
			}
			result.TotalQty = result.TotalQty.Add(line.qty)
			result.Lines = append(result.Lines, ReceiveLineResult{
				PurchaseItemId: line.input.PurchaseItemId,
				Sku:            line.batch.Sku,
				QtyReceived:    line.qty,
				Serialized:     line.serialized(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	models.PublishAuditEvent(ctx, w.logger, &models.AuditEvent{
		TenantId:      input.TenantId,
		Event:         "stock.received",
		RefType:       models.RefTypePurchases,
		RefId:         input.PurchaseId,
		ActorId:       input.ActorId,
		CorrelationId: correlationId,
	})
	return result, nil
}

func (w *ReceivingWorkflow) validateLines(tx *gorm.DB, input *ReceiveInput) ([]*receiveLine, error) {
	lines := make([]*receiveLine, 0, len(input.Lines))
	claimed := make(map[int]decimal.Decimal, len(input.Lines))
	for _, in := range input.Lines {
		batch, err := models.FetchBatchForUpdate(tx, input.TenantId, in.PurchaseItemId)
		if err != nil {
			return nil, err
		}

		// Serialized lines derive their quantity from the identifier
		// count; the declared qty_received is ignored for them.
		qty := in.QtyReceived
		if len(in.Identifiers) > 0 {
			qty = decimal.NewFromInt(int64(len(in.Identifiers)))
		}
		if !qty.IsPositive() {
			return nil, &models.InvalidQuantityError{Field: "qty_received", Qty: qty}
		}
		// Several lines may name the same batch, so the over-receipt check
		// runs against the running total for that batch, not each line alone.
		total := claimed[in.PurchaseItemId].Add(qty)
		if total.GreaterThan(batch.RemainingToReceive()) {
			return nil, &models.OverReceiptError{
				PurchaseItemId: in.PurchaseItemId,
				Sku:            batch.Sku,
				Requested:      total,
				Remaining:      batch.RemainingToReceive(),
			}
		}
		claimed[in.PurchaseItemId] = total

		lines = append(lines, &receiveLine{input: in, batch: batch, qty: qty})
	}
	return lines, nil
}

func (w *ReceivingWorkflow) applyLine(tx *gorm.DB, input *ReceiveInput, line *receiveLine, correlationId string) error {
	if line.serialized() {
		_, err := models.RegisterDeviceUnits(tx, input.TenantId, input.WarehouseId,
			line.batch.Sku, line.input.PurchaseItemId, input.ActorId, line.input.Identifiers)
		if err != nil {
			return err
		}
		if err := models.SetStockLineIsPart(tx, input.TenantId, input.WarehouseId, line.batch.Sku, false); err != nil {
			return err
		}
	} else {
		_, err := RecordMovement(tx, w.logger, &models.StockMovement{
			TenantId:      input.TenantId,
			WarehouseId:   input.WarehouseId,
			Sku:           line.batch.Sku,
			QtyDelta:      line.qty,
			Reason:        models.MovementReasonPurchase,
			RefType:       models.RefTypePurchases,
			RefId:         input.PurchaseId,
			ActorId:       input.ActorId,
			CorrelationId: correlationId,
		})
		if err != nil {
			return &models.MovementFailedError{Sku: line.batch.Sku, Err: err}
		}
	}
	return models.IncrementBatchReceived(tx, line.input.PurchaseItemId, line.qty)
}
