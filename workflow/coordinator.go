package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	EntityPurchaseRequest = "PurchaseRequest"
	EntityPurchaseOrder   = "PurchaseOrder"
	EntityReceipt         = "Receipt"
)

// Coordinator runs every workflow mutation under a per-entity advisory lock,
// and carries external-ledger operations through the saga step lifecycle so a
// crash between the external call and the local commit is recoverable.
type Coordinator struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewCoordinator(db *gorm.DB, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("procure_backend/workflow"),
	}
}

// SagaOps are the phases of one external-plus-local operation.
// External runs before any local mutation and returns the ledger reference
// (empty for operations without one). Local runs inside the DB transaction.
// Compensate undoes the external effect when the local commit failed; nil
// means the effect cannot be undone here and the step is left Compensating
// for the recovery sweep.
type SagaOps struct {
	External   func(ctx context.Context) (string, error)
	Local      func(tx *gorm.DB, externalRef string) error
	Compensate func(ctx context.Context, externalRef string) error
}

// RunLocked executes fn inside a transaction under the entity's advisory
// lock. For mutations that never leave the local database.
func (c *Coordinator) RunLocked(ctx context.Context, entityType string, entityId int, operation string, fn func(tx *gorm.DB) error) error {
	ctx, span := c.startSpan(ctx, operation, entityType, entityId)
	defer span.End()

	err := c.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireEntityLock(conn, entityType, entityId); err != nil {
			return err
		}
		defer ReleaseEntityLock(conn, entityType, entityId)

		return conn.Transaction(fn)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// RunSaga executes one external-plus-local operation under the entity's
// advisory lock. The saga step row is committed before the external call, so
// a second worker hitting the same entity gets a conflict instead of a double
// reservation, and a crash mid-flight leaves a PendingExternal row behind.
func (c *Coordinator) RunSaga(ctx context.Context, entityType string, entityId int, operation string, ops SagaOps) error {
	ctx, span := c.startSpan(ctx, operation, entityType, entityId)
	defer span.End()

	err := c.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireEntityLock(conn, entityType, entityId); err != nil {
			return err
		}
		defer ReleaseEntityLock(conn, entityType, entityId)

		step, err := models.BeginSagaStep(conn, operation, entityType, entityId, models.CorrelationIdFromContextOrNew(ctx))
		if err != nil {
			if errors.Is(err, models.ErrSagaStepInProgress) {
				return utils.NewValidationError("operation already in progress", map[string]interface{}{
					"entity_type": entityType,
					"entity_id":   entityId,
					"operation":   operation,
				})
			}
			return err
		}

		externalRef, err := ops.External(ctx)
		if err != nil {
			// Nothing external to undo; close the step and surface the error.
			if markErr := step.MarkReleased(conn); markErr != nil {
				config.LogError(c.logger, "coordinator.go", "RunSaga", "MarkReleased", step.ID, markErr)
			}
			return err
		}
		if externalRef != "" {
			if err := step.SetExternalRef(conn, externalRef); err != nil {
				config.LogError(c.logger, "coordinator.go", "RunSaga", "SetExternalRef", step.ID, err)
			}
		}

		localErr := conn.Transaction(func(tx *gorm.DB) error {
			return ops.Local(tx, externalRef)
		})
		if localErr == nil {
			if err := step.MarkLocalCommitted(conn); err != nil {
				config.LogError(c.logger, "coordinator.go", "RunSaga", "MarkLocalCommitted", step.ID, err)
			}
			return nil
		}

		// The external effect exists but the local commit rolled back.
		if err := step.MarkCompensating(conn, localErr); err != nil {
			config.LogError(c.logger, "coordinator.go", "RunSaga", "MarkCompensating", step.ID, err)
		}
		if ops.Compensate != nil && externalRef != "" {
			if compErr := ops.Compensate(ctx, externalRef); compErr != nil {
				// Leave the step Compensating for the recovery sweep.
				config.LogError(c.logger, "coordinator.go", "RunSaga", operation, externalRef, compErr)
			} else if err := step.MarkReleased(conn); err != nil {
				config.LogError(c.logger, "coordinator.go", "RunSaga", "MarkReleased", step.ID, err)
			}
		}
		return localErr
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Coordinator) startSpan(ctx context.Context, operation string, entityType string, entityId int) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.Int("entity_id", entityId),
	))
}

// ListOrphanedSteps exposes stuck PendingExternal steps for the recovery
// sweep to reconcile against the ledger.
func (c *Coordinator) ListOrphanedSteps(ctx context.Context, olderThan time.Duration, limit int) ([]*models.SagaStep, error) {
	return models.ListOrphanedSteps(c.db, ctx, time.Now().UTC().Add(-olderThan), limit)
}
