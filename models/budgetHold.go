package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BudgetReservation mirrors a soft hold in the external budget ledger, keyed
// by PR id + the ledger's reference. A reservation is released exactly once:
// retained on approval, released on rejection/expiry, converted on PO send.
type BudgetReservation struct {
	ID                int             `gorm:"primary_key" json:"id"`
	PurchaseRequestId int             `gorm:"index;not null" json:"purchase_request_id"`
	ExternalRef       string          `gorm:"size:255;not null;index:uniq_reservation_ref,unique" json:"external_ref"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Status            HoldStatus      `gorm:"type:enum('Active','Released','Converted');not null;default:Active" json:"status"`
	ExpiresAt         time.Time       `gorm:"index;not null" json:"expires_at"`
	ReleasedAt        *time.Time      `gorm:"default:null" json:"released_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BudgetCommitment mirrors a firm allocation, created when a PO is sent and
// the PR's reservation converts.
type BudgetCommitment struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	ExternalRef     string          `gorm:"size:255;not null;index:uniq_commitment_ref,unique" json:"external_ref"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Status          HoldStatus      `gorm:"type:enum('Active','Released','Converted');not null;default:Active" json:"status"`
	ReleasedAt      *time.Time      `gorm:"default:null" json:"released_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetActiveReservationForPr(tx *gorm.DB, ctx context.Context, prId int) (*BudgetReservation, error) {
	var reservation BudgetReservation
	err := tx.WithContext(ctx).
		Where("purchase_request_id = ? AND status = ?", prId, HoldStatusActive).
		First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reservation, nil
}

func GetActiveCommitmentForPo(tx *gorm.DB, ctx context.Context, poId int) (*BudgetCommitment, error) {
	var commitment BudgetCommitment
	err := tx.WithContext(ctx).
		Where("purchase_order_id = ? AND status = ?", poId, HoldStatusActive).
		First(&commitment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &commitment, nil
}

// MarkReservationStatus moves an Active reservation to the given status. Only
// Active rows transition, so a stale writer can never flip a Released row to
// Converted; marking an already-settled row is a no-op success, because
// compensation paths may fire twice.
func MarkReservationStatus(tx *gorm.DB, ctx context.Context, reservationId int, status HoldStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == HoldStatusReleased {
		now := time.Now().UTC()
		updates["released_at"] = &now
	}
	return tx.WithContext(ctx).Model(&BudgetReservation{}).
		Where("id = ? AND status = ?", reservationId, HoldStatusActive).
		Updates(updates).Error
}

// MarkCommitmentStatus has the same Active-only transition rule as
// MarkReservationStatus.
func MarkCommitmentStatus(tx *gorm.DB, ctx context.Context, commitmentId int, status HoldStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == HoldStatusReleased {
		now := time.Now().UTC()
		updates["released_at"] = &now
	}
	return tx.WithContext(ctx).Model(&BudgetCommitment{}).
		Where("id = ? AND status = ?", commitmentId, HoldStatusActive).
		Updates(updates).Error
}

// ListExpiredReservations returns still-active reservations past their expiry,
// for the background sweeper.
func ListExpiredReservations(tx *gorm.DB, ctx context.Context, asOf time.Time, limit int) ([]*BudgetReservation, error) {
	var reservations []*BudgetReservation
	err := tx.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", HoldStatusActive, asOf).
		Order("expires_at ASC").
		Limit(limit).
		Find(&reservations).Error
	return reservations, err
}
