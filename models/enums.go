package models

// MovementReason classifies every ledger delta.
type MovementReason string

const (
	MovementReasonPurchase    MovementReason = "purchase"
	MovementReasonTransferOut MovementReason = "transfer_out"
	MovementReasonTransferIn  MovementReason = "transfer_in"
	MovementReasonRepair      MovementReason = "repair"
	MovementReasonAdjustment  MovementReason = "adjustment"
	MovementReasonDeadImei    MovementReason = "dead_imei"
	MovementReasonBuyback     MovementReason = "buyback"
)

func (r MovementReason) IsValid() bool {
	switch r {
	case MovementReasonPurchase, MovementReasonTransferOut, MovementReasonTransferIn,
		MovementReasonRepair, MovementReasonAdjustment, MovementReasonDeadImei, MovementReasonBuyback:
		return true
	}
	return false
}

// Movement reference types tag the operation that caused a delta.
// Rollback variants mark compensating rows; originals are never edited.
const (
	RefTypePurchases         = "purchases"
	RefTypeRepairs           = "repairs"
	RefTypeRepairsRollback   = "repairs_rollback"
	RefTypeAdjustments       = "adjustments"
	RefTypeSkuChange         = "sku_change"
	RefTypeSkuChangeRollback = "sku_change_rollback"
	RefTypeTransfers         = "transfers"
)

type DeviceUnitStatus string

const (
	DeviceUnitStatusInStock  DeviceUnitStatus = "in_stock"
	DeviceUnitStatusConsumed DeviceUnitStatus = "consumed"
	DeviceUnitStatusDead     DeviceUnitStatus = "dead"
	DeviceUnitStatusSold     DeviceUnitStatus = "sold"
)
