package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PurchaseOrder lifecycle: Draft -> Pending -> Approved -> Sent ->
// Partial|Completed; Cancelled reachable from any pre-Sent state, and from
// Sent only while no receipts exist. Mutated only by the PO workflow.
type PurchaseOrder struct {
	ID                int                   `gorm:"primary_key" json:"id"`
	PurchaseRequestId int                   `gorm:"index;not null" json:"purchase_request_id"`
	VendorId          int                   `gorm:"index;not null" json:"vendor_id"`
	ContractId        *int                  `gorm:"index;default:null" json:"contract_id"`
	OrderNumber       string                `gorm:"size:255;not null" json:"order_number"`
	GrandTotal        decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"grand_total"`
	CurrentStatus     PurchaseOrderStatus   `gorm:"type:enum('Draft','Pending','Approved','Sent','Partial','Completed','Cancelled');not null;default:Draft" json:"current_status"`
	Version           int                   `gorm:"not null;default:0" json:"version"`
	ApprovedAt        *time.Time            `gorm:"default:null" json:"approved_at"`
	ApprovedBy        int                   `gorm:"default:null" json:"approved_by"`
	SentDate          *time.Time            `gorm:"default:null" json:"sent_date"`
	SentBy            int                   `gorm:"default:null" json:"sent_by"`
	CancelledAt       *time.Time            `gorm:"default:null" json:"cancelled_at"`
	CancelledBy       int                   `gorm:"default:null" json:"cancelled_by"`
	CancelReason      string                `gorm:"type:text;default:null" json:"cancel_reason"`
	Details           []PurchaseOrderDetail `json:"purchase_order_details"`
	CreatedAt         time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseOrderDetail struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId     int             `gorm:"index;not null" json:"purchase_order_id"`
	BudgetRequestItemId int             `gorm:"index;not null" json:"budget_request_item_id"`
	ItemId              int             `gorm:"index;not null" json:"item_id"`
	Name                string          `gorm:"size:255" json:"name"`
	Quarter             int             `gorm:"not null" json:"quarter"`
	OrderedQty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ordered_qty"`
	ReceivedQty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"received_qty"`
	UnitPrice           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
}

// RemainingQty is the quantity still expected against this line.
// Invariant: never negative; receipt posting rejects overages first.
func (d PurchaseOrderDetail) RemainingQty() decimal.Decimal {
	return d.OrderedQty.Sub(d.ReceivedQty)
}

func GetPurchaseOrder(tx *gorm.DB, ctx context.Context, id int) (*PurchaseOrder, error) {
	var po PurchaseOrder
	err := tx.WithContext(ctx).Preload("Details").Where("id = ?", id).First(&po).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &po, nil
}

// UpdatePoStatus transitions the PO with an optimistic version check.
func UpdatePoStatus(tx *gorm.DB, ctx context.Context, po *PurchaseOrder, updates map[string]interface{}) error {
	updates["version"] = po.Version + 1
	result := tx.WithContext(ctx).Model(&PurchaseOrder{}).
		Where("id = ? AND version = ?", po.ID, po.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.NewValidationError("operation already in progress", map[string]interface{}{
			"purchase_order_id": po.ID,
		})
	}
	po.Version++
	return nil
}

// AddPoDetailReceivedQty bumps a line's received quantity with an overage
// guard in the WHERE clause, so two concurrent postings cannot push the sum
// past the ordered quantity even outside the advisory lock.
func AddPoDetailReceivedQty(tx *gorm.DB, ctx context.Context, poDetailId int, qty decimal.Decimal) error {
	result := tx.WithContext(ctx).Model(&PurchaseOrderDetail{}).
		Where("id = ? AND received_qty + ? <= ordered_qty", poDetailId, qty).
		Update("received_qty", gorm.Expr("received_qty + ?", qty))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.NewValidationError("accepted quantity exceeds remaining order quantity", map[string]interface{}{
			"purchase_order_detail_id": poDetailId,
			"qty":                      qty,
		})
	}
	return nil
}

// RecomputePoFulfillment re-reads the PO lines after a posting and returns
// Completed when every line is fully received, else Partial. The downstream
// orchestrator owns this recomputation; nothing else writes PO status from
// receipt data.
func RecomputePoFulfillment(tx *gorm.DB, ctx context.Context, poId int) (PurchaseOrderStatus, error) {
	var details []PurchaseOrderDetail
	if err := tx.WithContext(ctx).Where("purchase_order_id = ?", poId).Find(&details).Error; err != nil {
		return "", err
	}
	if len(details) == 0 {
		return "", errors.New("purchase order has no details")
	}
	for _, d := range details {
		if d.ReceivedQty.LessThan(d.OrderedQty) {
			return PurchaseOrderStatusPartial, nil
		}
	}
	return PurchaseOrderStatusCompleted, nil
}

// CountReceiptsForPo counts receipts in any non-rejected state against the PO.
func CountReceiptsForPo(tx *gorm.DB, ctx context.Context, poId int) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&Receipt{}).
		Where("purchase_order_id = ? AND current_status != ?", poId, ReceiptStatusRejected).
		Count(&count).Error
	return count, err
}
