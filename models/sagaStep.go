package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrSagaStepInProgress = errors.New("saga step in progress")

// SagaStep persists the external-compensation state of one workflow operation.
// Local state and the budget ledger are not covered by a single transaction,
// so the step row is written before the external call and finalized after the
// local commit; a crash in between leaves a PendingExternal row for the
// recovery sweep to reconcile against the ledger.
//
// Unique constraint: (operation, entity_type, entity_id) while unfinished.
type SagaStep struct {
	ID            int       `gorm:"primary_key" json:"id"`
	Operation     string    `gorm:"size:100;not null;index:uniq_saga,unique" json:"operation"`
	EntityType    string    `gorm:"size:50;not null;index:uniq_saga,unique" json:"entity_type"`
	EntityId      int       `gorm:"not null;index:uniq_saga,unique" json:"entity_id"`
	State         SagaState `gorm:"size:30;not null;index" json:"state"`
	ExternalRef   string    `gorm:"size:255" json:"external_ref"`
	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	LastError     *string   `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginSagaStep inserts a PendingExternal row before the external call. A
// duplicate unfinished row means another worker is mid-flight on the same
// entity; the caller must back off. Finished rows (LocalCommitted/Released)
// are reset so the operation can run again.
func BeginSagaStep(tx *gorm.DB, operation string, entityType string, entityId int, correlationId string) (*SagaStep, error) {
	step := SagaStep{
		Operation:     operation,
		EntityType:    entityType,
		EntityId:      entityId,
		State:         SagaStatePendingExternal,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&step).Error; err == nil {
		return &step, nil
	} else if !isDuplicateKeyErr(err) {
		return nil, err
	}

	var existing SagaStep
	if err := tx.Where("operation = ? AND entity_type = ? AND entity_id = ?", operation, entityType, entityId).
		First(&existing).Error; err != nil {
		return nil, err
	}

	switch existing.State {
	case SagaStatePendingExternal, SagaStateCompensating:
		// Reclaim only if the holder looks crashed.
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return nil, ErrSagaStepInProgress
		}
	}
	err := tx.Model(&SagaStep{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"state":          SagaStatePendingExternal,
			"correlation_id": correlationId,
			"external_ref":   "",
			"last_error":     nil,
		}).Error
	if err != nil {
		return nil, err
	}
	existing.State = SagaStatePendingExternal
	existing.CorrelationId = correlationId
	existing.ExternalRef = ""
	return &existing, nil
}

func (s *SagaStep) SetExternalRef(tx *gorm.DB, ref string) error {
	s.ExternalRef = ref
	return tx.Model(&SagaStep{}).Where("id = ?", s.ID).Update("external_ref", ref).Error
}

func (s *SagaStep) MarkLocalCommitted(tx *gorm.DB) error {
	s.State = SagaStateLocalCommitted
	return tx.Model(&SagaStep{}).Where("id = ?", s.ID).
		Updates(map[string]interface{}{"state": SagaStateLocalCommitted, "last_error": nil}).Error
}

func (s *SagaStep) MarkCompensating(tx *gorm.DB, cause error) error {
	s.State = SagaStateCompensating
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return tx.Model(&SagaStep{}).Where("id = ?", s.ID).
		Updates(map[string]interface{}{"state": SagaStateCompensating, "last_error": &msg}).Error
}

func (s *SagaStep) MarkReleased(tx *gorm.DB) error {
	s.State = SagaStateReleased
	return tx.Model(&SagaStep{}).Where("id = ?", s.ID).
		Update("state", SagaStateReleased).Error
}

// ListOrphanedSteps returns PendingExternal steps older than the cutoff. The
// surrounding system's recovery sweep compares these against external holds.
func ListOrphanedSteps(tx *gorm.DB, ctx context.Context, olderThan time.Time, limit int) ([]*SagaStep, error) {
	var steps []*SagaStep
	err := tx.WithContext(ctx).
		Where("state = ? AND updated_at <= ?", SagaStatePendingExternal, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&steps).Error
	return steps, err
}
