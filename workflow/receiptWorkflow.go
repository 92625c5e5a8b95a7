package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReceiptWorkflow posts accepted receipts: inventory lots, on-hand records,
// audit movements, PO fulfillment and budget purchased quantities, all in one
// transaction. Posting is serialized per purchase order so two receipts
// against the same order cannot interleave.
type ReceiptWorkflow struct {
	db          *gorm.DB
	logger      *logrus.Logger
	coordinator *Coordinator
}

func NewReceiptWorkflow(db *gorm.DB, logger *logrus.Logger, coordinator *Coordinator) *ReceiptWorkflow {
	return &ReceiptWorkflow{
		db:          db,
		logger:      logger,
		coordinator: coordinator,
	}
}

// ValidateForPosting returns the list of reasons the receipt cannot be posted
// yet. Read-only; an empty slice means posting may proceed.
func (w *ReceiptWorkflow) ValidateForPosting(ctx context.Context, receiptId int) ([]string, error) {
	receipt, err := models.GetReceipt(w.db, ctx, receiptId)
	if err != nil {
		return nil, err
	}
	return w.validate(w.db, ctx, receipt)
}

// Post moves an Accepted receipt to Posted and applies every inventory and
// budget effect atomically. Any failure rolls the whole posting back and
// leaves the receipt Accepted, so posting is safely retryable.
func (w *ReceiptWorkflow) Post(ctx context.Context, receiptId int) error {
	receipt, err := models.GetReceipt(w.db, ctx, receiptId)
	if err != nil {
		return err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	return w.coordinator.RunLocked(ctx, EntityPurchaseOrder, receipt.PurchaseOrderId, "receipt:post", func(tx *gorm.DB) error {
		current, err := models.GetReceipt(tx, ctx, receiptId)
		if err != nil {
			return err
		}
		if current.CurrentStatus != models.ReceiptStatusAccepted {
			return utils.NewValidationError("receipt is not in Accepted status", map[string]interface{}{
				"receipt_id":     current.ID,
				"current_status": current.CurrentStatus,
			})
		}

		// Re-validate under the lock; remaining quantities may have moved.
		failures, err := w.validate(tx, ctx, current)
		if err != nil {
			return err
		}
		if len(failures) > 0 {
			return utils.NewValidationError("receipt failed posting validation", map[string]interface{}{
				"receipt_id": current.ID,
				"failures":   failures,
			})
		}

		if _, err := ApplyReceiptPosting(tx, ctx, current, userId); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := models.UpdateReceiptStatus(tx, ctx, current, map[string]interface{}{
			"current_status": models.ReceiptStatusPosted,
			"posted_at":      &now,
			"posted_by":      userId,
		}); err != nil {
			return err
		}
		return models.PublishNotification(ctx, tx, "receipt.posted", current)
	})
}

func (w *ReceiptWorkflow) validate(tx *gorm.DB, ctx context.Context, receipt *models.Receipt) ([]string, error) {
	var failures []string

	minInspectors := config.MinInspectorCount()
	if receipt.InspectorCount < minInspectors {
		failures = append(failures, fmt.Sprintf("inspector count %d is below the required minimum of %d",
			receipt.InspectorCount, minInspectors))
	}

	po, err := models.GetPurchaseOrder(tx, ctx, receipt.PurchaseOrderId)
	if err != nil {
		return nil, err
	}
	poDetails := make(map[int]models.PurchaseOrderDetail, len(po.Details))
	for _, d := range po.Details {
		poDetails[d.ID] = d
	}

	for _, d := range receipt.Details {
		poDetail, ok := poDetails[d.PurchaseOrderDetailId]
		if !ok {
			failures = append(failures, fmt.Sprintf("line %d references an unknown purchase order line %d",
				d.ID, d.PurchaseOrderDetailId))
			continue
		}
		if d.AcceptedQty.GreaterThan(poDetail.RemainingQty()) {
			failures = append(failures, fmt.Sprintf("line %d accepts %s but only %s remains on order line %d",
				d.ID, d.AcceptedQty.String(), poDetail.RemainingQty().String(), poDetail.ID))
		}
	}
	return failures, nil
}
