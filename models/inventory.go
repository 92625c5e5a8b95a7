package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryLot is a traceable batch of received stock. Immutable once created;
// QuantityRemaining decreases only via dispense operations outside this core.
type InventoryLot struct {
	ID                int             `gorm:"primary_key" json:"id"`
	ItemId            int             `gorm:"index;not null" json:"item_id"`
	LocationId        int             `gorm:"index;not null" json:"location_id"`
	ReceiptDetailId   int             `gorm:"index;not null" json:"receipt_detail_id"`
	LotNumber         string          `gorm:"size:100;not null" json:"lot_number"`
	ExpiryDate        *time.Time      `gorm:"index;default:null" json:"expiry_date"`
	QuantityReceived  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_received"`
	QuantityRemaining decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_remaining"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// InventoryRecord holds one row per (item, location). QuantityOnHand is
// incremented only via receipt posting within this core.
type InventoryRecord struct {
	ID             int             `gorm:"primary_key" json:"id"`
	ItemId         int             `gorm:"not null;index:uniq_item_location,unique" json:"item_id"`
	LocationId     int             `gorm:"not null;index:uniq_item_location,unique" json:"location_id"`
	QuantityOnHand decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_on_hand"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InventoryTransaction is the append-only audit log of stock movements.
// Rows are never updated or deleted.
type InventoryTransaction struct {
	ID              int                      `gorm:"primary_key" json:"id"`
	TransactionType InventoryTransactionType `gorm:"type:enum('RECEIVE','DISPENSE');not null" json:"transaction_type"`
	ItemId          int                      `gorm:"index;not null" json:"item_id"`
	LocationId      int                      `gorm:"index;not null" json:"location_id"`
	Qty             decimal.Decimal          `gorm:"type:decimal(20,4);default:0" json:"qty"`
	ReferenceType   string                   `gorm:"size:50;not null" json:"reference_type"`
	ReferenceId     int                      `gorm:"index;not null" json:"reference_id"`
	UserId          int                      `gorm:"not null" json:"user_id"`
	CreatedAt       time.Time                `gorm:"autoCreateTime" json:"created_at"`
}

// UpsertInventoryRecord increments quantity on hand, creating the row when the
// (item, location) pair has never held stock.
func UpsertInventoryRecord(tx *gorm.DB, ctx context.Context, itemId int, locationId int, qty decimal.Decimal) error {
	result := tx.WithContext(ctx).Model(&InventoryRecord{}).
		Where("item_id = ? AND location_id = ?", itemId, locationId).
		Update("quantity_on_hand", gorm.Expr("quantity_on_hand + ?", qty))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	record := InventoryRecord{
		ItemId:         itemId,
		LocationId:     locationId,
		QuantityOnHand: qty,
	}
	return tx.WithContext(ctx).Create(&record).Error
}
