package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var errSkipExpiry = errors.New("reservation no longer eligible for expiry")

// ExpirySweeper releases budget reservations whose PR was never decided
// within the expiry window. One instance sweeps at a time (redislock); each
// release runs through the coordinator so it cannot race an in-flight
// approve or reject on the same request.
type ExpirySweeper struct {
	db          *gorm.DB
	logger      *logrus.Logger
	coordinator *Coordinator
	ledger      BudgetLedger
	locker      *redislock.Client
	interval    time.Duration
	batchSize   int
}

func NewExpirySweeper(db *gorm.DB, logger *logrus.Logger, coordinator *Coordinator, ledger BudgetLedger, locker *redislock.Client) *ExpirySweeper {
	return &ExpirySweeper{
		db:          db,
		logger:      logger,
		coordinator: coordinator,
		ledger:      ledger,
		locker:      locker,
		interval:    10 * time.Minute,
		batchSize:   100,
	}
}

// Run sweeps until the context is cancelled. Call from main() in a goroutine.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce releases one batch of expired reservations.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, "sweep:reservation-expiry", time.Minute, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) {
				config.LogError(s.logger, "expirySweeper.go", "SweepOnce", "ObtainLock", nil, err)
			}
			return
		}
		defer lock.Release(ctx)
	}

	expired, err := models.ListExpiredReservations(s.db, ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		config.LogError(s.logger, "expirySweeper.go", "SweepOnce", "ListExpiredReservations", nil, err)
		return
	}

	for _, reservation := range expired {
		if err := s.releaseExpired(ctx, reservation); err != nil && !errors.Is(err, errSkipExpiry) {
			config.LogError(s.logger, "expirySweeper.go", "SweepOnce", "releaseExpired", reservation.ID, err)
		}
	}
}

func (s *ExpirySweeper) releaseExpired(ctx context.Context, reservation *models.BudgetReservation) error {
	return s.coordinator.RunSaga(ctx, EntityPurchaseRequest, reservation.PurchaseRequestId, "reservation:expire", SagaOps{
		External: func(ctx context.Context) (string, error) {
			// Re-check under the entity lock: an approve/reject may have won.
			pr, err := models.GetPurchaseRequest(s.db, ctx, reservation.PurchaseRequestId)
			if err != nil {
				return "", err
			}
			if pr.CurrentStatus != models.PurchaseRequestStatusSubmitted {
				return "", errSkipExpiry
			}
			current, err := models.GetActiveReservationForPr(s.db, ctx, reservation.PurchaseRequestId)
			if err != nil {
				return "", err
			}
			if current == nil || current.ID != reservation.ID {
				return "", errSkipExpiry
			}
			if err := s.ledger.ReleaseReservation(ctx, reservation.ExternalRef); err != nil {
				return "", err
			}
			return reservation.ExternalRef, nil
		},
		Local: func(tx *gorm.DB, externalRef string) error {
			if err := models.MarkReservationStatus(tx, ctx, reservation.ID, models.HoldStatusReleased); err != nil {
				return err
			}
			return models.PublishNotification(ctx, tx, "reservation.expired", reservation)
		},
		Compensate: nil,
	})
}
