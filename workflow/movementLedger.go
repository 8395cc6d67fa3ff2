package workflow

import (
	"errors"

	"github.com/google/uuid"
	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecordMovement is the only write path into stock quantities. In order:
//
//  1. ensure the stock line row exists (movements reference stock lines,
//     so the line must be inserted first),
//  2. apply the delta under the line's row lock,
//  3. append the immutable movement row.
//
// If step 2 fails nothing is written and the typed error surfaces to the
// caller. One RecordMovement call is atomic within its tx; two calls from
// a workflow are only jointly atomic if the workflow shares the tx.
// Otherwise the workflow owns compensation.
func RecordMovement(tx *gorm.DB, logger *logrus.Logger, mv *models.StockMovement) (*models.StockMovement, error) {
	if tx == nil {
		return nil, errors.New("record movement: tx is nil")
	}
	if mv == nil {
		return nil, errors.New("record movement: movement is nil")
	}
	if mv.TenantId == "" {
		return nil, errors.New("record movement: tenant id is required")
	}
	if mv.QtyDelta.IsZero() {
		return nil, &models.InvalidQuantityError{Field: "qty_delta", Qty: mv.QtyDelta}
	}
	if !mv.Reason.IsValid() {
		return nil, errors.New("record movement: invalid reason " + string(mv.Reason))
	}

	if _, _, err := models.FirstOrCreateStockLine(tx, mv.TenantId, mv.WarehouseId, mv.Sku); err != nil {
		config.LogError(logger, "movementLedger.go", "RecordMovement", "FirstOrCreateStockLine", mv, err)
		return nil, err
	}

	if _, err := models.ApplyStockDelta(tx, mv.TenantId, mv.WarehouseId, mv.Sku, mv.QtyDelta); err != nil {
		var insufficient *models.InsufficientStockError
		if !errors.As(err, &insufficient) {
			config.LogError(logger, "movementLedger.go", "RecordMovement", "ApplyStockDelta", mv, err)
		}
		return nil, err
	}

	if mv.CorrelationId == "" {
		mv.CorrelationId = uuid.NewString()
	}
	if err := models.AppendStockMovement(tx, mv); err != nil {
		config.LogError(logger, "movementLedger.go", "RecordMovement", "AppendStockMovement", mv, err)
		return nil, err
	}

	return mv, nil
}
