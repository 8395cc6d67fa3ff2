package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ConsumptionRecord persists one allocation claim of a repair. UnitCost is
// the batch price frozen at allocation time; it is never recomputed from
// current purchase prices. PurchaseItemId is nil for fixed-price service
// lines, which never touch batches.
type ConsumptionRecord struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"index;size:36;not null" json:"tenant_id"`
	RepairId       int             `gorm:"index;not null" json:"repair_id"`
	Sku            string          `gorm:"size:100;not null" json:"sku"`
	Qty            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCost       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	ReasonId       int             `gorm:"index" json:"reason_id"`
	PurchaseItemId *int            `gorm:"index" json:"purchase_item_id"`
	ActorId        int             `json:"actor_id"`
	CorrelationId  string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func CreateConsumptionRecords(tx *gorm.DB, records []*ConsumptionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return tx.Create(&records).Error
}

// DeleteConsumptionRecordsForRepair removes all consumption lines of one
// repair. Only called as part of a full reversal of the parent operation.
func DeleteConsumptionRecordsForRepair(tx *gorm.DB, tenantId string, repairId int) error {
	return tx.Where("tenant_id = ? AND repair_id = ?", tenantId, repairId).
		Delete(&ConsumptionRecord{}).Error
}

func GetConsumptionRecordsForRepair(tx *gorm.DB, tenantId string, repairId int) ([]*ConsumptionRecord, error) {
	var records []*ConsumptionRecord
	err := tx.Where("tenant_id = ? AND repair_id = ?", tenantId, repairId).
		Order("id").
		Find(&records).Error
	return records, err
}
