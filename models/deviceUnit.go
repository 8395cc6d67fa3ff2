package models

import (
	"errors"
	"strings"
	"time"

	"github.com/repaircore/stock_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceUnit is one serialized device identified by IMEI/serial. Stock for
// serialized SKUs is derived from unit counts, not bulk ledger deltas, so
// receiving serialized lines registers units instead of posting a movement.
type DeviceUnit struct {
	ID             int              `gorm:"primary_key" json:"id"`
	TenantId       string           `gorm:"uniqueIndex:uniq_device_imei,priority:1;size:36;not null" json:"tenant_id"`
	Imei           string           `gorm:"uniqueIndex:uniq_device_imei,priority:2;size:64;not null" json:"imei"`
	WarehouseId    int              `gorm:"index;not null" json:"warehouse_id"`
	Sku            string           `gorm:"index;size:100;not null" json:"sku"`
	Status         DeviceUnitStatus `gorm:"type:enum('in_stock','consumed','dead','sold');default:in_stock" json:"status"`
	PurchaseItemId *int             `gorm:"index" json:"purchase_item_id"`
	ActorId        int              `json:"actor_id"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// RegisterDeviceUnits creates one unit per identifier within the receiving
// transaction. Identifiers must be non-blank and unique within the call;
// tenant-wide uniqueness is enforced by the unique index.
func RegisterDeviceUnits(tx *gorm.DB, tenantId string, warehouseId int, sku string, purchaseItemId int, actorId int, identifiers []string) ([]*DeviceUnit, error) {
	if len(identifiers) == 0 {
		return nil, errors.New("identifiers are required")
	}

	seen := make(map[string]struct{}, len(identifiers))
	units := make([]*DeviceUnit, 0, len(identifiers))
	for _, imei := range identifiers {
		imei = strings.TrimSpace(imei)
		if imei == "" {
			return nil, errors.New("blank identifier")
		}
		if _, dup := seen[imei]; dup {
			return nil, errors.New("duplicate identifier: " + imei)
		}
		seen[imei] = struct{}{}

		pid := purchaseItemId
		units = append(units, &DeviceUnit{
			TenantId:       tenantId,
			Imei:           imei,
			WarehouseId:    warehouseId,
			Sku:            sku,
			Status:         DeviceUnitStatusInStock,
			PurchaseItemId: &pid,
			ActorId:        actorId,
		})
	}

	if err := tx.Create(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

// FetchDeviceUnitForUpdate locks one unit row, tenant-scoped.
func FetchDeviceUnitForUpdate(tx *gorm.DB, tenantId string, id int) (*DeviceUnit, error) {
	var unit DeviceUnit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantId).First(&unit, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &unit, nil
}

// UpdateDeviceUnitSku rewrites the unit's SKU after a successful
// sku-change operation.
func UpdateDeviceUnitSku(tx *gorm.DB, tenantId string, id int, toSku string) error {
	res := tx.Model(&DeviceUnit{}).
		Where("tenant_id = ? AND id = ?", tenantId, id).
		Update("sku", toSku)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// CountDeviceUnitsInStock derives serialized stock from unit counts.
func CountDeviceUnitsInStock(tx *gorm.DB, tenantId string, warehouseId int, sku string) (int64, error) {
	var count int64
	err := tx.Model(&DeviceUnit{}).
		Where("tenant_id = ? AND warehouse_id = ? AND sku = ? AND status = ?", tenantId, warehouseId, sku, DeviceUnitStatusInStock).
		Count(&count).Error
	return count, err
}
