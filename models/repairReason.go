package models

import (
	"context"
	"errors"
	"time"

	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RepairReason names why stock was consumed. Fixed-price reasons are
// service-only lines: they resolve to a price here and bypass batch
// allocation entirely.
type RepairReason struct {
	ID           int             `gorm:"primary_key" json:"id"`
	TenantId     string          `gorm:"index;size:36;not null" json:"tenant_id"`
	Name         string          `gorm:"size:100;not null" json:"name" binding:"required"`
	IsFixedPrice *bool           `gorm:"not null;default:false" json:"is_fixed_price"`
	DefaultPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"default_price"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// RepairReasonPrice overrides the default fixed price for one device model.
type RepairReasonPrice struct {
	ID        int             `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"index;size:36;not null" json:"tenant_id"`
	ReasonId  int             `gorm:"index;not null" json:"reason_id"`
	ModelName string          `gorm:"size:100;not null" json:"model_name"`
	Price     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRepairReason struct {
	Name         string          `json:"name" binding:"required"`
	IsFixedPrice bool            `json:"is_fixed_price"`
	DefaultPrice decimal.Decimal `json:"default_price"`
}

func (input *NewRepairReason) validate(ctx context.Context, tenantId string, id int) error {
	if err := utils.ValidateUnique[RepairReason](ctx, tenantId, "name", input.Name, id); err != nil {
		return err
	}
	return nil
}

func CreateRepairReason(ctx context.Context, input *NewRepairReason) (*RepairReason, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	if err := input.validate(ctx, tenantId, 0); err != nil {
		return nil, err
	}

	reason := RepairReason{
		TenantId:     tenantId,
		Name:         input.Name,
		DefaultPrice: input.DefaultPrice,
		IsActive:     utils.NewTrue(),
	}
	reason.IsFixedPrice = utils.NewFalse()
	if input.IsFixedPrice {
		reason.IsFixedPrice = utils.NewTrue()
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&reason).Error; err != nil {
		return nil, err
	}
	return &reason, nil
}

// GetRepairReason fetches the reason tenant-scoped inside a transaction.
func GetRepairReason(tx *gorm.DB, tenantId string, reasonId int) (*RepairReason, error) {
	var reason RepairReason
	err := tx.Where("tenant_id = ?", tenantId).First(&reason, reasonId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &reason, nil
}

// GetFixedPriceForReason resolves the service-line price: model-specific
// override if one exists, else the reason's default.
func GetFixedPriceForReason(tx *gorm.DB, tenantId string, reasonId int, modelName string) (decimal.Decimal, error) {
	reason, err := GetRepairReason(tx, tenantId, reasonId)
	if err != nil {
		return decimal.Zero, err
	}

	if modelName != "" {
		var modelPrice RepairReasonPrice
		err := tx.Where("tenant_id = ? AND reason_id = ? AND model_name = ?", tenantId, reasonId, modelName).
			First(&modelPrice).Error
		if err == nil {
			return modelPrice.Price, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, err
		}
	}
	return reason.DefaultPrice, nil
}
