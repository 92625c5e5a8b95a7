package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/procure_backend/budgetapi"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"bitbucket.org/mmdatafocus/procure_backend/pricing"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BudgetLedger is the external budget system as the workflows see it.
// *budgetapi.Client satisfies it in production.
type BudgetLedger interface {
	CheckAvailability(ctx context.Context, req budgetapi.AvailabilityRequest) (*budgetapi.AvailabilityResponse, error)
	Reserve(ctx context.Context, req budgetapi.ReserveRequest) (*budgetapi.HoldResponse, error)
	Commit(ctx context.Context, req budgetapi.CommitRequest) (*budgetapi.HoldResponse, error)
	ReleaseReservation(ctx context.Context, reference string) error
	ReleaseCommitment(ctx context.Context, reference string) error
}

// Authorizer answers permission checks for workflow actions.
type Authorizer interface {
	HasPermission(ctx context.Context, userId int, action string) (bool, error)
}

// DocumentChecker reports whether a purchase order carries an attached
// approval document.
type DocumentChecker interface {
	HasApprovalDocument(ctx context.Context, poId int) (bool, error)
}

// PriceResolver resolves a vendor's contract price for an item; nil means no
// active contract covers it. *pricing.ContractPriceCache satisfies it.
type PriceResolver interface {
	GetPrice(ctx context.Context, vendorId int, itemId int) (*decimal.Decimal, error)
}

// GormAuthorizer reads grants from the user_permissions table.
type GormAuthorizer struct {
	DB *gorm.DB
}

func (a *GormAuthorizer) HasPermission(ctx context.Context, userId int, action string) (bool, error) {
	return models.UserHasPermission(a.DB, ctx, userId, action)
}

// GormDocumentChecker reads attachments from the approval_documents table.
type GormDocumentChecker struct {
	DB *gorm.DB
}

func (d *GormDocumentChecker) HasApprovalDocument(ctx context.Context, poId int) (bool, error) {
	return models.HasApprovalDocumentForPo(d.DB, ctx, poId)
}

// Registry is the composition root for the workflow layer: every orchestrator
// is constructed here with its collaborators injected, and callers dispatch
// through these fields rather than any dynamic lookup.
type Registry struct {
	Coordinator *Coordinator
	Pr          *PrWorkflow
	Po          *PoWorkflow
	Receipt     *ReceiptWorkflow
	Prices      *pricing.ContractPriceCache
	Sweeper     *ExpirySweeper
	Notifier    *OutboxNotifier
}

func NewRegistry(db *gorm.DB, logger *logrus.Logger, ledger BudgetLedger, prices *pricing.ContractPriceCache, locker *redislock.Client) *Registry {
	coordinator := NewCoordinator(db, logger)
	authorizer := &GormAuthorizer{DB: db}
	documents := &GormDocumentChecker{DB: db}

	return &Registry{
		Coordinator: coordinator,
		Pr:          NewPrWorkflow(db, logger, coordinator, ledger, authorizer),
		Po:          NewPoWorkflow(db, logger, coordinator, ledger, prices, documents, authorizer),
		Receipt:     NewReceiptWorkflow(db, logger, coordinator),
		Prices:      prices,
		Sweeper:     NewExpirySweeper(db, logger, coordinator, ledger, locker),
		Notifier:    NewOutboxNotifier(db, logger),
	}
}
