package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationOutbox implements a transactional outbox for workflow events:
// the row is written inside the workflow's DB transaction, and the dispatcher
// publishes it after commit. Notifications are best-effort; workflow state
// never depends on delivery.
type NotificationOutbox struct {
	ID            int        `gorm:"primary_key" json:"id"`
	Event         string     `gorm:"size:100;not null" json:"event"`
	Payload       []byte     `gorm:"type:mediumtext" json:"payload"`
	PublishStatus string     `gorm:"size:20;not null;index;default:PENDING" json:"publish_status"`
	Attempts      int        `gorm:"default:0" json:"attempts"`
	NextAttemptAt *time.Time `gorm:"index;default:null" json:"next_attempt_at"`
	CorrelationId string     `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishNotification writes the event row inside the caller's transaction.
// It never publishes directly; the notifier drains the outbox after commit.
func PublishNotification(ctx context.Context, tx *gorm.DB, event string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := NotificationOutbox{
		Event:         event,
		Payload:       payloadJSON,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: CorrelationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func CorrelationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
