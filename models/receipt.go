package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Receipt lifecycle: Draft -> Inspecting -> Accepted -> Posted; Rejected is
// terminal from any pre-Posted state. Mutated only by the receipt workflow.
type Receipt struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	LocationId      int             `gorm:"index;not null" json:"location_id"`
	ReceiptNumber   string          `gorm:"size:255;not null" json:"receipt_number"`
	CurrentStatus   ReceiptStatus   `gorm:"type:enum('Draft','Inspecting','Accepted','Posted','Rejected');not null;default:Draft" json:"current_status"`
	Version         int             `gorm:"not null;default:0" json:"version"`
	InspectorCount  int             `gorm:"default:0" json:"inspector_count"`
	PostedAt        *time.Time      `gorm:"default:null" json:"posted_at"`
	PostedBy        int             `gorm:"default:null" json:"posted_by"`
	Details         []ReceiptDetail `json:"receipt_details"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ReceiptDetail struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	ReceiptId             int             `gorm:"index;not null" json:"receipt_id"`
	PurchaseOrderDetailId int             `gorm:"index;not null" json:"purchase_order_detail_id"`
	ItemId                int             `gorm:"index;not null" json:"item_id"`
	AcceptedQty           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"accepted_qty"`
	LotNumber             string          `gorm:"size:100" json:"lot_number"`
	ExpiryDate            *time.Time      `gorm:"default:null" json:"expiry_date"`
}

func GetReceipt(tx *gorm.DB, ctx context.Context, id int) (*Receipt, error) {
	var receipt Receipt
	err := tx.WithContext(ctx).Preload("Details").Where("id = ?", id).First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &receipt, nil
}

// UpdateReceiptStatus transitions the receipt with an optimistic version check.
func UpdateReceiptStatus(tx *gorm.DB, ctx context.Context, receipt *Receipt, updates map[string]interface{}) error {
	updates["version"] = receipt.Version + 1
	result := tx.WithContext(ctx).Model(&Receipt{}).
		Where("id = ? AND version = ?", receipt.ID, receipt.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.NewValidationError("operation already in progress", map[string]interface{}{
			"receipt_id": receipt.ID,
		})
	}
	receipt.Version++
	return nil
}
