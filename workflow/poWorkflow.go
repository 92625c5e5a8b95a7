package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/budgetapi"
	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	ActionPoApprove = "po:approve"
)

// PoWorkflow drives the purchase order lifecycle:
// Pending -> Approved -> Sent; Cancelled while no receipts exist. Sending
// converts the PR's budget reservation into a firm commitment.
type PoWorkflow struct {
	db          *gorm.DB
	logger      *logrus.Logger
	coordinator *Coordinator
	ledger      BudgetLedger
	prices      PriceResolver
	documents   DocumentChecker
	authorizer  Authorizer
}

func NewPoWorkflow(db *gorm.DB, logger *logrus.Logger, coordinator *Coordinator, ledger BudgetLedger, prices PriceResolver, documents DocumentChecker, authorizer Authorizer) *PoWorkflow {
	return &PoWorkflow{
		db:          db,
		logger:      logger,
		coordinator: coordinator,
		ledger:      ledger,
		prices:      prices,
		documents:   documents,
		authorizer:  authorizer,
	}
}

// Approve moves a Pending order to Approved. Orders above the high-value
// threshold must carry an attached approval document.
func (w *PoWorkflow) Approve(ctx context.Context, poId int) error {
	userId, _ := utils.GetUserIdFromContext(ctx)
	ok, err := w.authorizer.HasPermission(ctx, userId, ActionPoApprove)
	if err != nil {
		return err
	}
	if !ok {
		return &utils.ForbiddenError{UserId: userId, Action: ActionPoApprove}
	}

	return w.coordinator.RunLocked(ctx, EntityPurchaseOrder, poId, "po:approve", func(tx *gorm.DB) error {
		po, err := models.GetPurchaseOrder(tx, ctx, poId)
		if err != nil {
			return err
		}
		if po.CurrentStatus != models.PurchaseOrderStatusPending {
			return utils.NewValidationError("purchase order is not in Pending status", map[string]interface{}{
				"purchase_order_id": po.ID,
				"current_status":    po.CurrentStatus,
			})
		}
		if po.GrandTotal.GreaterThan(config.HighValuePoThreshold()) {
			hasDoc, err := w.documents.HasApprovalDocument(ctx, po.ID)
			if err != nil {
				return err
			}
			if !hasDoc {
				return utils.NewValidationError("high-value purchase order requires an approval document", map[string]interface{}{
					"purchase_order_id": po.ID,
					"grand_total":       po.GrandTotal,
					"threshold":         config.HighValuePoThreshold(),
				})
			}
		}
		now := time.Now().UTC()
		if err := models.UpdatePoStatus(tx, ctx, po, map[string]interface{}{
			"current_status": models.PurchaseOrderStatusApproved,
			"approved_at":    &now,
			"approved_by":    userId,
		}); err != nil {
			return err
		}
		return models.PublishNotification(ctx, tx, "po.approved", po)
	})
}

// Send resolves each line's contract price, converts the PR reservation into
// a ledger commitment and moves the order to Sent. A ledger failure leaves
// the order Approved with the reservation intact.
func (w *PoWorkflow) Send(ctx context.Context, poId int) error {
	po, err := models.GetPurchaseOrder(w.db, ctx, poId)
	if err != nil {
		return err
	}
	if po.CurrentStatus != models.PurchaseOrderStatusApproved {
		return utils.NewValidationError("purchase order is not in Approved status", map[string]interface{}{
			"purchase_order_id": po.ID,
			"current_status":    po.CurrentStatus,
		})
	}

	reservation, err := models.GetActiveReservationForPr(w.db, ctx, po.PurchaseRequestId)
	if err != nil {
		return err
	}
	if reservation == nil {
		return utils.NewValidationError("no active budget reservation for the purchase request", map[string]interface{}{
			"purchase_order_id":   po.ID,
			"purchase_request_id": po.PurchaseRequestId,
		})
	}

	linePrices, grandTotal, err := w.resolveLinePrices(ctx, po)
	if err != nil {
		return err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	return w.coordinator.RunSaga(ctx, EntityPurchaseOrder, po.ID, "po:send", SagaOps{
		External: func(ctx context.Context) (string, error) {
			current, err := models.GetPurchaseOrder(w.db, ctx, po.ID)
			if err != nil {
				return "", err
			}
			if current.CurrentStatus != models.PurchaseOrderStatusApproved {
				return "", utils.NewValidationError("purchase order is not in Approved status", map[string]interface{}{
					"purchase_order_id": current.ID,
					"current_status":    current.CurrentStatus,
				})
			}
			*po = *current

			hold, err := w.ledger.Commit(ctx, budgetapi.CommitRequest{
				PurchaseOrderId: po.ID,
				ReservationRef:  reservation.ExternalRef,
				Amount:          grandTotal,
			})
			if err != nil {
				return "", err
			}
			return hold.Reference, nil
		},
		Local: func(tx *gorm.DB, externalRef string) error {
			if err := models.MarkReservationStatus(tx, ctx, reservation.ID, models.HoldStatusConverted); err != nil {
				return err
			}
			commitment := models.BudgetCommitment{
				PurchaseOrderId: po.ID,
				ExternalRef:     externalRef,
				Amount:          grandTotal,
				Status:          models.HoldStatusActive,
			}
			if err := tx.WithContext(ctx).Create(&commitment).Error; err != nil {
				return err
			}
			for detailId, price := range linePrices {
				if err := tx.WithContext(ctx).Model(&models.PurchaseOrderDetail{}).
					Where("id = ?", detailId).
					Update("unit_price", price).Error; err != nil {
					return err
				}
			}
			now := time.Now().UTC()
			if err := models.UpdatePoStatus(tx, ctx, po, map[string]interface{}{
				"current_status": models.PurchaseOrderStatusSent,
				"grand_total":    grandTotal,
				"sent_date":      &now,
				"sent_by":        userId,
			}); err != nil {
				return err
			}
			return models.PublishNotification(ctx, tx, "po.sent", po)
		},
		Compensate: func(ctx context.Context, externalRef string) error {
			return w.ledger.ReleaseCommitment(ctx, externalRef)
		},
	})
}

// Cancel releases the order's budget hold and moves it to Cancelled. An order
// with any non-rejected receipt can no longer be cancelled.
func (w *PoWorkflow) Cancel(ctx context.Context, poId int, reason string) error {
	po, err := models.GetPurchaseOrder(w.db, ctx, poId)
	if err != nil {
		return err
	}
	switch po.CurrentStatus {
	case models.PurchaseOrderStatusDraft, models.PurchaseOrderStatusPending,
		models.PurchaseOrderStatusApproved, models.PurchaseOrderStatusSent:
	default:
		return utils.NewValidationError("purchase order can no longer be cancelled", map[string]interface{}{
			"purchase_order_id": po.ID,
			"current_status":    po.CurrentStatus,
		})
	}

	receiptCount, err := models.CountReceiptsForPo(w.db, ctx, po.ID)
	if err != nil {
		return err
	}
	if receiptCount > 0 {
		return utils.NewValidationError("purchase order has receipts and cannot be cancelled", map[string]interface{}{
			"purchase_order_id": po.ID,
			"receipt_count":     receiptCount,
		})
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	cancel := func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := models.UpdatePoStatus(tx, ctx, po, map[string]interface{}{
			"current_status": models.PurchaseOrderStatusCancelled,
			"cancelled_at":   &now,
			"cancelled_by":   userId,
			"cancel_reason":  reason,
		}); err != nil {
			return err
		}
		return models.PublishNotification(ctx, tx, "po.cancelled", po)
	}

	if po.CurrentStatus == models.PurchaseOrderStatusSent {
		commitment, err := models.GetActiveCommitmentForPo(w.db, ctx, po.ID)
		if err != nil {
			return err
		}
		if commitment == nil {
			return w.coordinator.RunLocked(ctx, EntityPurchaseOrder, po.ID, "po:cancel", cancel)
		}
		return w.coordinator.RunSaga(ctx, EntityPurchaseOrder, po.ID, "po:cancel", SagaOps{
			External: func(ctx context.Context) (string, error) {
				if err := w.recheckCancellable(ctx, po, models.PurchaseOrderStatusSent); err != nil {
					return "", err
				}
				activeHold, err := models.GetActiveCommitmentForPo(w.db, ctx, po.ID)
				if err != nil {
					return "", err
				}
				if activeHold == nil || activeHold.ID != commitment.ID {
					return "", utils.NewValidationError("budget commitment is no longer active", map[string]interface{}{
						"purchase_order_id": po.ID,
						"commitment_id":     commitment.ID,
					})
				}
				if err := w.ledger.ReleaseCommitment(ctx, commitment.ExternalRef); err != nil {
					return "", err
				}
				return commitment.ExternalRef, nil
			},
			Local: func(tx *gorm.DB, externalRef string) error {
				if err := models.MarkCommitmentStatus(tx, ctx, commitment.ID, models.HoldStatusReleased); err != nil {
					return err
				}
				return cancel(tx)
			},
			Compensate: nil,
		})
	}

	// Never sent: the hold, if any, is still the PR's reservation.
	reservation, err := models.GetActiveReservationForPr(w.db, ctx, po.PurchaseRequestId)
	if err != nil {
		return err
	}
	if reservation == nil {
		return w.coordinator.RunLocked(ctx, EntityPurchaseOrder, po.ID, "po:cancel", cancel)
	}
	return w.coordinator.RunSaga(ctx, EntityPurchaseOrder, po.ID, "po:cancel", SagaOps{
		External: func(ctx context.Context) (string, error) {
			if err := w.recheckCancellable(ctx, po,
				models.PurchaseOrderStatusDraft, models.PurchaseOrderStatusPending,
				models.PurchaseOrderStatusApproved); err != nil {
				return "", err
			}
			activeHold, err := models.GetActiveReservationForPr(w.db, ctx, po.PurchaseRequestId)
			if err != nil {
				return "", err
			}
			if activeHold == nil || activeHold.ID != reservation.ID {
				return "", utils.NewValidationError("budget reservation is no longer active", map[string]interface{}{
					"purchase_order_id":   po.ID,
					"purchase_request_id": po.PurchaseRequestId,
					"reservation_id":      reservation.ID,
				})
			}
			if err := w.ledger.ReleaseReservation(ctx, reservation.ExternalRef); err != nil {
				return "", err
			}
			return reservation.ExternalRef, nil
		},
		Local: func(tx *gorm.DB, externalRef string) error {
			if err := models.MarkReservationStatus(tx, ctx, reservation.ID, models.HoldStatusReleased); err != nil {
				return err
			}
			return cancel(tx)
		},
		Compensate: nil,
	})
}

// recheckCancellable re-loads the order under the entity lock and aborts the
// cancellation when a concurrent send or posting changed its state. Refreshes
// the caller's pointer on success.
func (w *PoWorkflow) recheckCancellable(ctx context.Context, po *models.PurchaseOrder, allowed ...models.PurchaseOrderStatus) error {
	current, err := models.GetPurchaseOrder(w.db, ctx, po.ID)
	if err != nil {
		return err
	}
	eligible := false
	for _, status := range allowed {
		if current.CurrentStatus == status {
			eligible = true
			break
		}
	}
	if !eligible {
		return utils.NewValidationError("purchase order can no longer be cancelled", map[string]interface{}{
			"purchase_order_id": current.ID,
			"current_status":    current.CurrentStatus,
		})
	}
	receiptCount, err := models.CountReceiptsForPo(w.db, ctx, current.ID)
	if err != nil {
		return err
	}
	if receiptCount > 0 {
		return utils.NewValidationError("purchase order has receipts and cannot be cancelled", map[string]interface{}{
			"purchase_order_id": current.ID,
			"receipt_count":     receiptCount,
		})
	}
	*po = *current
	return nil
}

// resolveLinePrices prefers the vendor's active contract price per line and
// falls back to the line's own price. Returns the per-detail prices and the
// recomputed grand total.
func (w *PoWorkflow) resolveLinePrices(ctx context.Context, po *models.PurchaseOrder) (map[int]decimal.Decimal, decimal.Decimal, error) {
	linePrices := make(map[int]decimal.Decimal, len(po.Details))
	grandTotal := decimal.Zero
	for _, d := range po.Details {
		price := d.UnitPrice
		contractPrice, err := w.prices.GetPrice(ctx, po.VendorId, d.ItemId)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if contractPrice != nil {
			price = *contractPrice
		}
		linePrices[d.ID] = price
		grandTotal = grandTotal.Add(d.OrderedQty.Mul(price))
	}
	return linePrices, grandTotal, nil
}
