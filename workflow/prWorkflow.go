package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/budgetapi"
	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	ActionPrApprove = "pr:approve"
)

// PrWorkflow drives the purchase request lifecycle:
// Draft -> Submitted -> Approved|Rejected. Submission reserves budget in the
// external ledger; rejection releases it.
type PrWorkflow struct {
	db          *gorm.DB
	logger      *logrus.Logger
	coordinator *Coordinator
	ledger      BudgetLedger
	authorizer  Authorizer
}

func NewPrWorkflow(db *gorm.DB, logger *logrus.Logger, coordinator *Coordinator, ledger BudgetLedger, authorizer Authorizer) *PrWorkflow {
	return &PrWorkflow{
		db:          db,
		logger:      logger,
		coordinator: coordinator,
		ledger:      ledger,
		authorizer:  authorizer,
	}
}

// Submit runs the budget controls, reserves the PR total in the ledger and
// moves the request to Submitted. A blocked control line or a ledger failure
// leaves the request in Draft with no reservation.
func (w *PrWorkflow) Submit(ctx context.Context, prId int) error {
	pr, err := models.GetPurchaseRequest(w.db, ctx, prId)
	if err != nil {
		return err
	}
	if pr.CurrentStatus != models.PurchaseRequestStatusDraft {
		return utils.NewValidationError("purchase request is not in Draft status", map[string]interface{}{
			"purchase_request_id": pr.ID,
			"current_status":      pr.CurrentStatus,
		})
	}
	if err := w.checkBudgetControls(ctx, pr); err != nil {
		return err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	expiresAt := time.Now().UTC().AddDate(0, 0, config.ReservationExpiryDays())

	return w.coordinator.RunSaga(ctx, EntityPurchaseRequest, pr.ID, "pr:submit", SagaOps{
		External: func(ctx context.Context) (string, error) {
			// Re-check under the entity lock before touching the ledger.
			current, err := models.GetPurchaseRequest(w.db, ctx, pr.ID)
			if err != nil {
				return "", err
			}
			if current.CurrentStatus != models.PurchaseRequestStatusDraft {
				return "", utils.NewValidationError("purchase request is not in Draft status", map[string]interface{}{
					"purchase_request_id": current.ID,
					"current_status":      current.CurrentStatus,
				})
			}
			*pr = *current

			avail, err := w.ledger.CheckAvailability(ctx, budgetapi.AvailabilityRequest{
				FiscalYear:   pr.FiscalYear,
				DepartmentId: pr.DepartmentId,
				Amount:       pr.TotalAmount,
			})
			if err != nil {
				return "", err
			}
			if !avail.Available {
				return "", &utils.BudgetError{
					Reason: "budget not available for purchase request total",
					Shortages: []utils.BudgetShortage{{
						Available: avail.AvailableAmount,
						Requested: pr.TotalAmount,
						Shortage:  pr.TotalAmount.Sub(avail.AvailableAmount),
					}},
				}
			}

			hold, err := w.ledger.Reserve(ctx, budgetapi.ReserveRequest{
				PurchaseRequestId: pr.ID,
				FiscalYear:        pr.FiscalYear,
				DepartmentId:      pr.DepartmentId,
				Amount:            pr.TotalAmount,
				ExpiresAt:         expiresAt,
			})
			if err != nil {
				return "", err
			}
			return hold.Reference, nil
		},
		Local: func(tx *gorm.DB, externalRef string) error {
			reservation := models.BudgetReservation{
				PurchaseRequestId: pr.ID,
				ExternalRef:       externalRef,
				Amount:            pr.TotalAmount,
				Status:            models.HoldStatusActive,
				ExpiresAt:         expiresAt,
			}
			if err := tx.WithContext(ctx).Create(&reservation).Error; err != nil {
				return err
			}
			now := time.Now().UTC()
			if err := models.UpdatePrStatus(tx, ctx, pr, map[string]interface{}{
				"current_status": models.PurchaseRequestStatusSubmitted,
				"submitted_at":   &now,
				"submitted_by":   userId,
			}); err != nil {
				return err
			}
			return models.PublishNotification(ctx, tx, "pr.submitted", pr)
		},
		Compensate: func(ctx context.Context, externalRef string) error {
			return w.ledger.ReleaseReservation(ctx, externalRef)
		},
	})
}

// Approve moves a Submitted request to Approved. The reservation is untouched;
// it converts to a commitment when the resulting PO is sent.
func (w *PrWorkflow) Approve(ctx context.Context, prId int) error {
	userId, _ := utils.GetUserIdFromContext(ctx)
	ok, err := w.authorizer.HasPermission(ctx, userId, ActionPrApprove)
	if err != nil {
		return err
	}
	if !ok {
		return &utils.ForbiddenError{UserId: userId, Action: ActionPrApprove}
	}

	return w.coordinator.RunLocked(ctx, EntityPurchaseRequest, prId, "pr:approve", func(tx *gorm.DB) error {
		pr, err := models.GetPurchaseRequest(tx, ctx, prId)
		if err != nil {
			return err
		}
		if pr.CurrentStatus != models.PurchaseRequestStatusSubmitted {
			return utils.NewValidationError("purchase request is not in Submitted status", map[string]interface{}{
				"purchase_request_id": pr.ID,
				"current_status":      pr.CurrentStatus,
			})
		}
		now := time.Now().UTC()
		if err := models.UpdatePrStatus(tx, ctx, pr, map[string]interface{}{
			"current_status": models.PurchaseRequestStatusApproved,
			"approved_at":    &now,
			"approved_by":    userId,
		}); err != nil {
			return err
		}
		return models.PublishNotification(ctx, tx, "pr.approved", pr)
	})
}

// Reject releases the budget reservation first and only then moves the
// request to Rejected. A failed release leaves the request Submitted so the
// hold is never orphaned while the request looks decided.
func (w *PrWorkflow) Reject(ctx context.Context, prId int, reason string) error {
	pr, err := models.GetPurchaseRequest(w.db, ctx, prId)
	if err != nil {
		return err
	}
	if pr.CurrentStatus != models.PurchaseRequestStatusSubmitted {
		return utils.NewValidationError("purchase request is not in Submitted status", map[string]interface{}{
			"purchase_request_id": pr.ID,
			"current_status":      pr.CurrentStatus,
		})
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	reservation, err := models.GetActiveReservationForPr(w.db, ctx, pr.ID)
	if err != nil {
		return err
	}

	reject := func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := models.UpdatePrStatus(tx, ctx, pr, map[string]interface{}{
			"current_status":   models.PurchaseRequestStatusRejected,
			"rejected_at":      &now,
			"rejected_by":      userId,
			"rejection_reason": reason,
		}); err != nil {
			return err
		}
		return models.PublishNotification(ctx, tx, "pr.rejected", pr)
	}

	if reservation == nil {
		// Already released (e.g. expired); only the local transition remains.
		return w.coordinator.RunLocked(ctx, EntityPurchaseRequest, pr.ID, "pr:reject", reject)
	}

	return w.coordinator.RunSaga(ctx, EntityPurchaseRequest, pr.ID, "pr:reject", SagaOps{
		External: func(ctx context.Context) (string, error) {
			// Re-check under the entity lock: an approve may have won the
			// race, and its reservation must stay untouched.
			current, err := models.GetPurchaseRequest(w.db, ctx, pr.ID)
			if err != nil {
				return "", err
			}
			if current.CurrentStatus != models.PurchaseRequestStatusSubmitted {
				return "", utils.NewValidationError("purchase request is not in Submitted status", map[string]interface{}{
					"purchase_request_id": current.ID,
					"current_status":      current.CurrentStatus,
				})
			}
			*pr = *current
			activeHold, err := models.GetActiveReservationForPr(w.db, ctx, pr.ID)
			if err != nil {
				return "", err
			}
			if activeHold == nil || activeHold.ID != reservation.ID {
				return "", utils.NewValidationError("budget reservation is no longer active", map[string]interface{}{
					"purchase_request_id": pr.ID,
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
			return reject(tx)
		},
		// The release cannot be undone; a local failure leaves the step
		// Compensating for the recovery sweep.
		Compensate: nil,
	})
}

// checkBudgetControls evaluates every request line against its budget item.
// Any BLOCKED axis fails the whole submission before anything is mutated.
func (w *PrWorkflow) checkBudgetControls(ctx context.Context, pr *models.PurchaseRequest) error {
	var shortages []utils.BudgetShortage
	for _, d := range pr.Details {
		item, err := models.GetBudgetRequestItem(w.db, ctx, d.BudgetRequestItemId)
		if err != nil {
			return err
		}
		result, err := models.EvaluateBudgetControl(item, d.DetailQty, d.DetailUnitPrice, d.Quarter)
		if err != nil {
			return err
		}
		if result.QuantityStatus == models.BudgetControlStatusBlocked {
			shortages = append(shortages, utils.BudgetShortage{
				BudgetItemId: item.ID,
				Quarter:      d.Quarter,
				Available:    result.QuantityDetail.Remaining,
				Requested:    result.QuantityDetail.Requested,
				Shortage:     result.QuantityDetail.Requested.Sub(result.QuantityDetail.Remaining),
			})
		}
		if result.PriceStatus == models.BudgetControlStatusBlocked {
			shortages = append(shortages, utils.BudgetShortage{
				BudgetItemId: item.ID,
				Quarter:      d.Quarter,
				Available:    result.PriceDetail.Planned,
				Requested:    result.PriceDetail.Requested,
				Shortage:     result.PriceDetail.Requested.Sub(result.PriceDetail.Planned),
			})
		}
	}
	if len(shortages) > 0 {
		return &utils.BudgetError{
			Reason:    "one or more lines exceed hard budget controls",
			Shortages: shortages,
		}
	}
	return nil
}
