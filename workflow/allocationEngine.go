package workflow

import (
	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AllocationClaim earmarks units from one purchase batch, carrying the
// batch's historical unit price for costing.
type AllocationClaim struct {
	PurchaseItemId int             `json:"purchase_item_id"`
	Qty            decimal.Decimal `json:"qty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
}

type AllocationResult struct {
	Claims         []AllocationClaim `json:"claims"`
	TotalAllocated decimal.Decimal   `json:"total_allocated"`
}

// planAllocations walks batches oldest-first and greedily claims
// min(remaining, still needed) from each. Pure function over the locked
// snapshot; the caller applies the claims.
func planAllocations(batches []*models.PurchaseBatch, needed decimal.Decimal) []AllocationClaim {
	claims := make([]AllocationClaim, 0, len(batches))
	stillNeeded := needed

	for _, batch := range batches {
		if !stillNeeded.IsPositive() {
			break
		}
		remaining := batch.Remaining()
		if !remaining.IsPositive() {
			continue
		}

		take := remaining
		if stillNeeded.LessThan(remaining) {
			take = stillNeeded
		}
		claims = append(claims, AllocationClaim{
			PurchaseItemId: batch.ID,
			Qty:            take,
			UnitPrice:      batch.UnitPrice,
		})
		stillNeeded = stillNeeded.Sub(take)
	}
	return claims
}

// AllocateFromBatches claims up to needed units for (tenant, sku[, warehouse])
// FIFO by batch creation time, incrementing each batch's used_for_repair as
// it is claimed. warehouseId 0 widens the scope to all warehouses.
//
// A short allocation is NOT an error here: the result reports what was
// claimed and the caller decides, and must DeallocateClaims the partial
// claims itself if it treats the shortfall as failure. Pushing that to the
// caller keeps multi-line operations free to deallocate everything at once.
func AllocateFromBatches(tx *gorm.DB, logger *logrus.Logger, tenantId string, sku string, warehouseId int, needed decimal.Decimal) (*AllocationResult, error) {
	result := &AllocationResult{
		Claims:         []AllocationClaim{},
		TotalAllocated: decimal.Zero,
	}
	if needed.IsZero() {
		return result, nil
	}
	if needed.IsNegative() {
		return result, &models.InvalidQuantityError{Field: "needed", Qty: needed}
	}

	batches, err := models.GetEligibleBatchesForUpdate(tx, tenantId, sku, warehouseId)
	if err != nil {
		config.LogError(logger, "allocationEngine.go", "AllocateFromBatches", "GetEligibleBatchesForUpdate", sku, err)
		return result, err
	}

	for _, claim := range planAllocations(batches, needed) {
		if err := models.IncrementBatchUsed(tx, claim.PurchaseItemId, claim.Qty); err != nil {
			// Rows are locked, so this is a storage failure, not a race.
			// Return the claims applied so far; the caller deallocates.
			config.LogError(logger, "allocationEngine.go", "AllocateFromBatches", "IncrementBatchUsed", claim, err)
			return result, err
		}
		result.Claims = append(result.Claims, claim)
		result.TotalAllocated = result.TotalAllocated.Add(claim.Qty)
	}

	return result, nil
}

// DeallocateClaims releases previously claimed units, floored at 0 per
// batch. Best-effort compensation: it never fails; missing batch rows and
// storage errors are logged and skipped, so it is safe to call with the
// exact claims a failed operation already holds.
func DeallocateClaims(tx *gorm.DB, logger *logrus.Logger, claims []AllocationClaim) {
	for _, claim := range claims {
		found, err := models.DecrementBatchUsed(tx, claim.PurchaseItemId, claim.Qty)
		if err != nil {
			config.LogError(logger, "allocationEngine.go", "DeallocateClaims", "DecrementBatchUsed", claim, err)
			continue
		}
		if !found {
			config.LogError(logger, "allocationEngine.go", "DeallocateClaims", "BatchRowMissing", claim,
				gorm.ErrRecordNotFound)
		}
	}
}
