package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ApprovalDocument is an uploaded sign-off attached to a purchase order.
// High-value orders cannot be approved without at least one.
type ApprovalDocument struct {
	ID              int       `gorm:"primary_key" json:"id"`
	PurchaseOrderId int       `gorm:"index;not null" json:"purchase_order_id"`
	FileName        string    `gorm:"size:255;not null" json:"file_name"`
	FileUrl         string    `gorm:"size:1024" json:"file_url"`
	UploadedBy      int       `gorm:"not null" json:"uploaded_by"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func HasApprovalDocumentForPo(tx *gorm.DB, ctx context.Context, poId int) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&ApprovalDocument{}).
		Where("purchase_order_id = ?", poId).
		Count(&count).Error
	return count > 0, err
}
