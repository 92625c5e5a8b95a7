package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxNotifier drains the notification outbox to Pub/Sub. Events are
// best-effort: rows that keep failing are marked DEAD and never block the
// workflows that wrote them.
type OutboxNotifier struct {
	db          *gorm.DB
	logger      *logrus.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
	// publish is swappable in tests; defaults to config.PublishNotificationEvent.
	publish func(ctx context.Context, event string, payload []byte) (string, error)
}

func NewOutboxNotifier(db *gorm.DB, logger *logrus.Logger) *OutboxNotifier {
	return &OutboxNotifier{
		db:          db,
		logger:      logger,
		interval:    5 * time.Second,
		batchSize:   50,
		maxAttempts: 10,
		publish:     config.PublishNotificationEvent,
	}
}

// Run dispatches until the context is cancelled. Call from main() in a goroutine.
func (n *OutboxNotifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce publishes one batch of pending outbox rows.
func (n *OutboxNotifier) DispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	var pending []models.NotificationOutbox
	err := n.db.WithContext(ctx).
		Where("publish_status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.OutboxPublishStatusPending, now).
		Order("id ASC").
		Limit(n.batchSize).
		Find(&pending).Error
	if err != nil {
		config.LogError(n.logger, "notifier.go", "DispatchOnce", "ListPending", nil, err)
		return
	}

	for _, row := range pending {
		if _, err := n.publish(ctx, row.Event, row.Payload); err != nil {
			n.markFailed(ctx, row, err)
			continue
		}
		if err := n.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
			Where("id = ?", row.ID).
			Update("publish_status", models.OutboxPublishStatusSent).Error; err != nil {
			config.LogError(n.logger, "notifier.go", "DispatchOnce", "MarkSent", row.ID, err)
		}
	}
}

func (n *OutboxNotifier) markFailed(ctx context.Context, row models.NotificationOutbox, cause error) {
	attempts := row.Attempts + 1
	updates := map[string]interface{}{"attempts": attempts}
	if attempts >= n.maxAttempts {
		updates["publish_status"] = models.OutboxPublishStatusDead
		config.LogError(n.logger, "notifier.go", "markFailed", row.Event, row.ID, cause)
	} else {
		backoff := time.Second * time.Duration(1<<min(attempts, 6))
		next := time.Now().UTC().Add(backoff)
		updates["next_attempt_at"] = &next
	}
	if err := n.db.WithContext(ctx).Model(&models.NotificationOutbox{}).
		Where("id = ?", row.ID).
		Updates(updates).Error; err != nil {
		config.LogError(n.logger, "notifier.go", "markFailed", row.Event, row.ID, err)
	}
}
