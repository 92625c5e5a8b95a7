package utils

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrorRecordNotFound = errors.New("record not found")

// Workflow error taxonomy. Local validation failures are detected before any
// external call or mutation; budget errors only after a definitive ledger
// response. Callers discriminate with errors.As.

// ValidationError is an illegal state transition or a failed local precondition.
// No external call was attempted and nothing was mutated.
type ValidationError struct {
	Reason string
	Detail map[string]interface{}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewValidationError(reason string, detail map[string]interface{}) *ValidationError {
	return &ValidationError{Reason: reason, Detail: detail}
}

// BudgetShortage describes one blocked line for user-facing messaging.
type BudgetShortage struct {
	BudgetItemId int             `json:"budget_item_id"`
	Quarter      int             `json:"quarter"`
	Available    decimal.Decimal `json:"available"`
	Requested    decimal.Decimal `json:"requested"`
	Shortage     decimal.Decimal `json:"shortage"`
}

// BudgetError is a definitive rejection on budget grounds, either from the
// local control evaluation or from the external ledger.
type BudgetError struct {
	Reason    string
	Shortages []BudgetShortage
}

func (e *BudgetError) Error() string {
	return e.Reason
}

// BudgetAPIError is a definitive non-budget failure from the external ledger,
// or retry exhaustion on a non-transient response.
type BudgetAPIError struct {
	Operation  string
	StatusCode int
	Attempts   int
	Body       string
}

func (e *BudgetAPIError) Error() string {
	return fmt.Sprintf("budget api %s failed (status=%d attempts=%d): %s", e.Operation, e.StatusCode, e.Attempts, e.Body)
}

// TimeoutError means every attempt against the external ledger timed out.
// The operation is retryable and no local state was changed.
type TimeoutError struct {
	Operation string
	Attempts  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("budget api %s timed out after %d attempts", e.Operation, e.Attempts)
}

type ForbiddenError struct {
	UserId int
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %d is not allowed to %s", e.UserId, e.Action)
}

type ItemNotFoundError struct {
	ItemId int
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("budget request item %d not found", e.ItemId)
}

// IsRetryable reports whether the caller may safely retry the operation as-is.
func IsRetryable(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
