package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PurchaseRequest lifecycle: Draft -> Submitted -> Approved|Rejected;
// Approved -> Converted (terminal, set when a PO is created from it).
// Mutated only by the PR workflow.
type PurchaseRequest struct {
	ID              int                     `gorm:"primary_key" json:"id"`
	RequesterId     int                     `gorm:"index;not null" json:"requester_id"`
	DepartmentId    int                     `gorm:"index;not null" json:"department_id"`
	FiscalYear      int                     `gorm:"index;not null" json:"fiscal_year"`
	RequestNumber   string                  `gorm:"size:255;not null" json:"request_number"`
	TotalAmount     decimal.Decimal         `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	CurrentStatus   PurchaseRequestStatus   `gorm:"type:enum('Draft','Submitted','Approved','Rejected','Converted');not null;default:Draft" json:"current_status"`
	// Version is the optimistic-concurrency column: every mutating workflow
	// bumps it, and stale writers get zero rows affected.
	Version         int                     `gorm:"not null;default:0" json:"version"`
	SubmittedAt     *time.Time              `gorm:"default:null" json:"submitted_at"`
	SubmittedBy     int                     `gorm:"default:null" json:"submitted_by"`
	ApprovedAt      *time.Time              `gorm:"default:null" json:"approved_at"`
	ApprovedBy      int                     `gorm:"default:null" json:"approved_by"`
	RejectedAt      *time.Time              `gorm:"default:null" json:"rejected_at"`
	RejectedBy      int                     `gorm:"default:null" json:"rejected_by"`
	RejectionReason string                  `gorm:"type:text;default:null" json:"rejection_reason"`
	Details         []PurchaseRequestDetail `json:"purchase_request_details"`
	CreatedAt       time.Time               `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time               `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseRequestDetail struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	PurchaseRequestId   int             `gorm:"index;not null" json:"purchase_request_id"`
	BudgetRequestItemId int             `gorm:"index;not null" json:"budget_request_item_id"`
	Name                string          `gorm:"size:255" json:"name"`
	Quarter             int             `gorm:"not null" json:"quarter"`
	DetailQty           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	DetailUnitPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_price"`
}

type NewPurchaseRequest struct {
	RequesterId   int                        `json:"requester_id" validate:"required"`
	DepartmentId  int                        `json:"department_id" validate:"required"`
	FiscalYear    int                        `json:"fiscal_year" validate:"required"`
	RequestNumber string                     `json:"request_number" validate:"required"`
	Details       []NewPurchaseRequestDetail `json:"details" validate:"required,dive,required"`
}

type NewPurchaseRequestDetail struct {
	BudgetRequestItemId int             `json:"budget_request_item_id" validate:"required"`
	Name                string          `json:"name"`
	Quarter             int             `json:"quarter" validate:"required,min=1,max=4"`
	DetailQty           decimal.Decimal `json:"detail_qty" validate:"required"`
	DetailUnitPrice     decimal.Decimal `json:"detail_unit_price" validate:"required"`
}

var validate = validator.New()

// CreatePurchaseRequest creates a Draft PR. Submission is a separate workflow
// step; a request is never created directly in Submitted.
func CreatePurchaseRequest(tx *gorm.DB, ctx context.Context, input *NewPurchaseRequest) (*PurchaseRequest, error) {
	if err := validate.Struct(input); err != nil {
		return nil, utils.NewValidationError("invalid purchase request input", map[string]interface{}{
			"fields": utils.ProcessValidationErrors(err),
		})
	}

	total := decimal.Zero
	details := make([]PurchaseRequestDetail, 0, len(input.Details))
	for _, d := range input.Details {
		if err := utils.ValidateResourceId[BudgetRequestItem](tx, ctx, d.BudgetRequestItemId); err != nil {
			return nil, &utils.ItemNotFoundError{ItemId: d.BudgetRequestItemId}
		}
		details = append(details, PurchaseRequestDetail{
			BudgetRequestItemId: d.BudgetRequestItemId,
			Name:                d.Name,
			Quarter:             d.Quarter,
			DetailQty:           d.DetailQty,
			DetailUnitPrice:     d.DetailUnitPrice,
		})
		total = total.Add(d.DetailQty.Mul(d.DetailUnitPrice))
	}

	pr := PurchaseRequest{
		RequesterId:   input.RequesterId,
		DepartmentId:  input.DepartmentId,
		FiscalYear:    input.FiscalYear,
		RequestNumber: input.RequestNumber,
		TotalAmount:   total,
		CurrentStatus: PurchaseRequestStatusDraft,
		Details:       details,
	}
	if err := tx.WithContext(ctx).Create(&pr).Error; err != nil {
		return nil, err
	}
	return &pr, nil
}

func GetPurchaseRequest(tx *gorm.DB, ctx context.Context, id int) (*PurchaseRequest, error) {
	var pr PurchaseRequest
	err := tx.WithContext(ctx).Preload("Details").Where("id = ?", id).First(&pr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &pr, nil
}

// UpdatePrStatus transitions the PR with an optimistic version check.
// Zero rows affected means another in-flight operation won the race.
func UpdatePrStatus(tx *gorm.DB, ctx context.Context, pr *PurchaseRequest, updates map[string]interface{}) error {
	updates["version"] = pr.Version + 1
	result := tx.WithContext(ctx).Model(&PurchaseRequest{}).
		Where("id = ? AND version = ?", pr.ID, pr.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.NewValidationError("operation already in progress", map[string]interface{}{
			"purchase_request_id": pr.ID,
		})
	}
	pr.Version++
	return nil
}
