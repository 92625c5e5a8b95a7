package budgetapi

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request/response shapes for the budget ledger JSON contracts.

type AvailabilityRequest struct {
	FiscalYear   int             `json:"fiscal_year"`
	DepartmentId int             `json:"department_id"`
	Amount       decimal.Decimal `json:"amount"`
}

type AvailabilityResponse struct {
	Available       bool            `json:"available"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
}

type ReserveRequest struct {
	PurchaseRequestId int             `json:"purchase_request_id"`
	FiscalYear        int             `json:"fiscal_year"`
	DepartmentId      int             `json:"department_id"`
	Amount            decimal.Decimal `json:"amount"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

type CommitRequest struct {
	PurchaseOrderId int             `json:"purchase_order_id"`
	ReservationRef  string          `json:"reservation_ref"`
	Amount          decimal.Decimal `json:"amount"`
}

// HoldResponse is returned by reserve and commit; Reference identifies the
// hold for later release.
type HoldResponse struct {
	Reference string `json:"reference"`
}

type ReleaseRequest struct {
	Reference string `json:"reference"`
}

type errorResponse struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Available decimal.Decimal `json:"available"`
	Requested decimal.Decimal `json:"requested"`
	Shortage  decimal.Decimal `json:"shortage"`
}
