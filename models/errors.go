package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Typed errors for the ledger/allocation core. Workflows branch on these to
// compensate; messages keep the key=value shape used across the codebase so
// they can be surfaced to users and grepped in logs.

type InsufficientStockError struct {
	Sku         string
	WarehouseId int
	Required    decimal.Decimal
	Available   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku=%s warehouse_id=%d qty_required=%s qty_available=%s",
		e.Sku, e.WarehouseId, e.Required, e.Available)
}

type OverReceiptError struct {
	PurchaseItemId int
	Sku            string
	Requested      decimal.Decimal
	Remaining      decimal.Decimal
}

func (e *OverReceiptError) Error() string {
	return fmt.Sprintf("over receipt for purchase_item_id=%d sku=%s qty_requested=%s qty_remaining=%s",
		e.PurchaseItemId, e.Sku, e.Requested, e.Remaining)
}

type InvalidQuantityError struct {
	Field string
	Qty   decimal.Decimal
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity for field=%s qty=%s", e.Field, e.Qty)
}

// MovementFailedError wraps a storage failure while recording movements
// mid-workflow, after compensation has run.
type MovementFailedError struct {
	Sku string
	Err error
}

func (e *MovementFailedError) Error() string {
	return fmt.Sprintf("movement failed for sku=%s: %v", e.Sku, e.Err)
}

func (e *MovementFailedError) Unwrap() error { return e.Err }

// PersistFailedError wraps a storage failure while persisting consumption
// records, after compensation has run.
type PersistFailedError struct {
	Err error
}

func (e *PersistFailedError) Error() string {
	return fmt.Sprintf("persist failed: %v", e.Err)
}

func (e *PersistFailedError) Unwrap() error { return e.Err }
