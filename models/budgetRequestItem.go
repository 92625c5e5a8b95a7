package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BudgetRequestItem is one budget-plan line for a fiscal year, with quarterly
// planned/purchased quantities and the variance controls applied to requests
// against it. Purchased quantities are updated only by receipt posting.
type BudgetRequestItem struct {
	ID                      int                 `gorm:"primary_key" json:"id"`
	FiscalYear              int                 `gorm:"index;not null" json:"fiscal_year"`
	ItemId                  int                 `gorm:"index;not null" json:"item_id"`
	ItemName                string              `gorm:"size:255" json:"item_name"`
	PlannedQtyQ1            decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"planned_qty_q1"`
	PlannedQtyQ2            decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"planned_qty_q2"`
	PlannedQtyQ3            decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"planned_qty_q3"`
	PlannedQtyQ4            decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"planned_qty_q4"`
	PurchasedQtyQ1          decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"purchased_qty_q1"`
	PurchasedQtyQ2          decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"purchased_qty_q2"`
	PurchasedQtyQ3          decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"purchased_qty_q3"`
	PurchasedQtyQ4          decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"purchased_qty_q4"`
	UnitPrice               decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	QuantityControlType     BudgetControlType   `gorm:"type:enum('NONE','SOFT','HARD');default:NONE" json:"quantity_control_type"`
	QuantityVariancePercent decimal.Decimal     `gorm:"type:decimal(10,4);default:0" json:"quantity_variance_percent"`
	PriceControlType        BudgetControlType   `gorm:"type:enum('NONE','SOFT','HARD');default:NONE" json:"price_control_type"`
	PriceVariancePercent    decimal.Decimal     `gorm:"type:decimal(10,4);default:0" json:"price_variance_percent"`
	CreatedAt               time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (item BudgetRequestItem) PlannedQtyForQuarter(quarter int) decimal.Decimal {
	switch quarter {
	case 1:
		return item.PlannedQtyQ1
	case 2:
		return item.PlannedQtyQ2
	case 3:
		return item.PlannedQtyQ3
	case 4:
		return item.PlannedQtyQ4
	}
	return decimal.Zero
}

func (item BudgetRequestItem) PurchasedQtyForQuarter(quarter int) decimal.Decimal {
	switch quarter {
	case 1:
		return item.PurchasedQtyQ1
	case 2:
		return item.PurchasedQtyQ2
	case 3:
		return item.PurchasedQtyQ3
	case 4:
		return item.PurchasedQtyQ4
	}
	return decimal.Zero
}

func purchasedQtyColumn(quarter int) (string, error) {
	switch quarter {
	case 1:
		return "purchased_qty_q1", nil
	case 2:
		return "purchased_qty_q2", nil
	case 3:
		return "purchased_qty_q3", nil
	case 4:
		return "purchased_qty_q4", nil
	}
	return "", errors.New("quarter must be between 1 and 4")
}

func GetBudgetRequestItem(tx *gorm.DB, ctx context.Context, id int) (*BudgetRequestItem, error) {
	var item BudgetRequestItem
	err := tx.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &utils.ItemNotFoundError{ItemId: id}
		}
		return nil, err
	}
	return &item, nil
}

// AddPurchasedQty increments the quarter's purchased quantity in place.
// Called only from receipt posting, inside the posting transaction.
func AddPurchasedQty(tx *gorm.DB, ctx context.Context, itemId int, quarter int, qty decimal.Decimal) error {
	column, err := purchasedQtyColumn(quarter)
	if err != nil {
		return err
	}
	result := tx.WithContext(ctx).Model(&BudgetRequestItem{}).
		Where("id = ?", itemId).
		Update(column, gorm.Expr(column+" + ?", qty))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &utils.ItemNotFoundError{ItemId: itemId}
	}
	return nil
}
