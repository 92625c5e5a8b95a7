package models

import (
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// BudgetControlDetail carries the full picture of one control axis so the
// presentation layer can explain an outcome without re-deriving anything.
type BudgetControlDetail struct {
	Planned          decimal.Decimal   `json:"planned"`
	Purchased        decimal.Decimal   `json:"purchased"`
	Remaining        decimal.Decimal   `json:"remaining"`
	Requested        decimal.Decimal   `json:"requested"`
	DiffPercent      decimal.Decimal   `json:"diff_percent"`
	TolerancePercent decimal.Decimal   `json:"tolerance_percent"`
	ControlType      BudgetControlType `json:"control_type"`
}

type BudgetControlResult struct {
	Allowed        bool                `json:"allowed"`
	QuantityStatus BudgetControlStatus `json:"quantity_status"`
	PriceStatus    BudgetControlStatus `json:"price_status"`
	QuantityDetail BudgetControlDetail `json:"quantity_detail"`
	PriceDetail    BudgetControlDetail `json:"price_detail"`
}

// EvaluateBudgetControl scores a requested quantity/price against the item's
// quarterly plan. Pure: reads only the item snapshot, mutates nothing.
//
// Quantity variance is relative to the quarter's remaining (planned-purchased)
// quantity. A positive request against a zero or already-overdrawn quarter is
// treated as a full 100% overrun; a percentage against a negative base would
// flip sign and let overruns slip past HARD controls.
func EvaluateBudgetControl(item *BudgetRequestItem, requestedQty decimal.Decimal, requestedPrice decimal.Decimal, quarter int) (*BudgetControlResult, error) {
	if quarter < 1 || quarter > 4 {
		return nil, utils.NewValidationError("quarter must be between 1 and 4", map[string]interface{}{
			"quarter": quarter,
		})
	}

	planned := item.PlannedQtyForQuarter(quarter)
	purchased := item.PurchasedQtyForQuarter(quarter)
	remaining := planned.Sub(purchased)

	var qtyDiffPercent decimal.Decimal
	if remaining.LessThanOrEqual(decimal.Zero) {
		if requestedQty.IsPositive() {
			qtyDiffPercent = oneHundred
		} else {
			qtyDiffPercent = decimal.Zero
		}
	} else {
		qtyDiffPercent = requestedQty.Sub(remaining).Div(remaining).Mul(oneHundred)
	}

	plannedPrice := item.UnitPrice
	var priceDiffPercent decimal.Decimal
	if plannedPrice.IsZero() {
		priceDiffPercent = decimal.Zero
	} else {
		priceDiffPercent = requestedPrice.Sub(plannedPrice).Div(plannedPrice).Mul(oneHundred)
	}

	quantityStatus := controlStatus(item.QuantityControlType, qtyDiffPercent, item.QuantityVariancePercent)
	priceStatus := controlStatus(item.PriceControlType, priceDiffPercent, item.PriceVariancePercent)

	return &BudgetControlResult{
		Allowed:        quantityStatus != BudgetControlStatusBlocked && priceStatus != BudgetControlStatusBlocked,
		QuantityStatus: quantityStatus,
		PriceStatus:    priceStatus,
		QuantityDetail: BudgetControlDetail{
			Planned:          planned,
			Purchased:        purchased,
			Remaining:        remaining,
			Requested:        requestedQty,
			DiffPercent:      qtyDiffPercent,
			TolerancePercent: item.QuantityVariancePercent,
			ControlType:      item.QuantityControlType,
		},
		PriceDetail: BudgetControlDetail{
			Planned:          plannedPrice,
			Purchased:        decimal.Zero,
			Remaining:        plannedPrice,
			Requested:        requestedPrice,
			DiffPercent:      priceDiffPercent,
			TolerancePercent: item.PriceVariancePercent,
			ControlType:      item.PriceControlType,
		},
	}, nil
}

func controlStatus(controlType BudgetControlType, diffPercent decimal.Decimal, tolerancePercent decimal.Decimal) BudgetControlStatus {
	if controlType == BudgetControlTypeNone {
		return BudgetControlStatusOK
	}
	if diffPercent.Abs().LessThanOrEqual(tolerancePercent) {
		return BudgetControlStatusOK
	}
	if controlType == BudgetControlTypeSoft {
		return BudgetControlStatusWarning
	}
	return BudgetControlStatusBlocked
}
