package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/procure_backend/models"
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"gorm.io/gorm"
)

// ApplyReceiptPosting writes every inventory and budget effect of one posted
// receipt inside the caller's transaction: a lot per accepted line, the
// (item, location) on-hand increment, the RECEIVE audit row, the PO line
// received quantity and the budget item's purchased quantity for the quarter.
// Returns the recomputed PO fulfillment status.
func ApplyReceiptPosting(tx *gorm.DB, ctx context.Context, receipt *models.Receipt, postedBy int) (models.PurchaseOrderStatus, error) {
	po, err := models.GetPurchaseOrder(tx, ctx, receipt.PurchaseOrderId)
	if err != nil {
		return "", err
	}
	poDetails := make(map[int]models.PurchaseOrderDetail, len(po.Details))
	for _, d := range po.Details {
		poDetails[d.ID] = d
	}

	for _, d := range receipt.Details {
		if !d.AcceptedQty.IsPositive() {
			continue
		}
		poDetail, ok := poDetails[d.PurchaseOrderDetailId]
		if !ok {
			return "", utils.NewValidationError("receipt line references an unknown purchase order line", map[string]interface{}{
				"receipt_detail_id":        d.ID,
				"purchase_order_detail_id": d.PurchaseOrderDetailId,
			})
		}

		lot := models.InventoryLot{
			ItemId:            d.ItemId,
			LocationId:        receipt.LocationId,
			ReceiptDetailId:   d.ID,
			LotNumber:         d.LotNumber,
			ExpiryDate:        d.ExpiryDate,
			QuantityReceived:  d.AcceptedQty,
			QuantityRemaining: d.AcceptedQty,
		}
		if err := tx.WithContext(ctx).Create(&lot).Error; err != nil {
			return "", err
		}
		if err := models.UpsertInventoryRecord(tx, ctx, d.ItemId, receipt.LocationId, d.AcceptedQty); err != nil {
			return "", err
		}
		movement := models.InventoryTransaction{
			TransactionType: models.InventoryTransactionTypeReceive,
			ItemId:          d.ItemId,
			LocationId:      receipt.LocationId,
			Qty:             d.AcceptedQty,
			ReferenceType:   EntityReceipt,
			ReferenceId:     receipt.ID,
			UserId:          postedBy,
		}
		if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
			return "", err
		}
		if err := models.AddPoDetailReceivedQty(tx, ctx, d.PurchaseOrderDetailId, d.AcceptedQty); err != nil {
			return "", err
		}
		if err := models.AddPurchasedQty(tx, ctx, poDetail.BudgetRequestItemId, poDetail.Quarter, d.AcceptedQty); err != nil {
			return "", err
		}
	}

	status, err := models.RecomputePoFulfillment(tx, ctx, po.ID)
	if err != nil {
		return "", err
	}
	if err := models.UpdatePoStatus(tx, ctx, po, map[string]interface{}{
		"current_status": status,
	}); err != nil {
		return "", err
	}
	return status, nil
}
