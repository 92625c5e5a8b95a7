package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Contract struct {
	ID        int             `gorm:"primary_key" json:"id"`
	VendorId  int             `gorm:"index;not null" json:"vendor_id"`
	Status    ContractStatus  `gorm:"type:enum('Draft','Active','Expired');not null;default:Draft" json:"status"`
	StartDate time.Time       `gorm:"not null" json:"start_date"`
	EndDate   time.Time       `gorm:"not null" json:"end_date"`
	Prices    []ContractPrice `json:"contract_prices"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ContractPrice struct {
	ID         int             `gorm:"primary_key" json:"id"`
	ContractId int             `gorm:"index;not null" json:"contract_id"`
	ItemId     int             `gorm:"index;not null" json:"item_id"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
}

// GetActiveContractPrice resolves the vendor's current contract price for an
// item: contract status Active and startDate <= now <= endDate. Returns
// (nil, nil) when no active contract carries the item.
func GetActiveContractPrice(tx *gorm.DB, ctx context.Context, vendorId int, itemId int) (*decimal.Decimal, error) {
	now := time.Now().UTC()
	var price decimal.Decimal
	err := tx.WithContext(ctx).Model(&ContractPrice{}).
		Joins("JOIN contracts ON contracts.id = contract_prices.contract_id").
		Where("contracts.vendor_id = ? AND contracts.status = ? AND contracts.start_date <= ? AND contracts.end_date >= ?",
			vendorId, ContractStatusActive, now, now).
		Where("contract_prices.item_id = ?", itemId).
		Order("contracts.end_date DESC").
		Select("contract_prices.unit_price").
		First(&price).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &price, nil
}
