package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/budgetapi"
	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
	"bitbucket.org/mmdatafocus/procure_backend/pricing"
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"bitbucket.org/mmdatafocus/procure_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// fakeLedger is an in-memory stand-in for the external budget system so the
// workflow semantics can be exercised against a real database without the
// real ledger.
type fakeLedger struct {
	mu            sync.Mutex
	nextRef       int
	reserveCalls  int
	commitCalls   int
	releases      map[string]bool
	failCommit    bool
	failReserve   bool
	failRelease   bool
	availableOnly decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{releases: map[string]bool{}}
}

func (f *fakeLedger) CheckAvailability(ctx context.Context, req budgetapi.AvailabilityRequest) (*budgetapi.AvailabilityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.availableOnly.IsZero() && req.Amount.GreaterThan(f.availableOnly) {
		return &budgetapi.AvailabilityResponse{Available: false, AvailableAmount: f.availableOnly}, nil
	}
	return &budgetapi.AvailabilityResponse{Available: true, AvailableAmount: req.Amount}, nil
}

func (f *fakeLedger) Reserve(ctx context.Context, req budgetapi.ReserveRequest) (*budgetapi.HoldResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReserve {
		return nil, &utils.BudgetAPIError{Operation: "reserve", StatusCode: 500, Attempts: 4}
	}
	f.reserveCalls++
	f.nextRef++
	return &budgetapi.HoldResponse{Reference: fmt.Sprintf("res-%d", f.nextRef)}, nil
}

func (f *fakeLedger) Commit(ctx context.Context, req budgetapi.CommitRequest) (*budgetapi.HoldResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommit {
		return nil, &utils.BudgetAPIError{Operation: "commit", StatusCode: 500, Attempts: 4}
	}
	f.commitCalls++
	f.nextRef++
	return &budgetapi.HoldResponse{Reference: fmt.Sprintf("cmt-%d", f.nextRef)}, nil
}

func (f *fakeLedger) ReleaseReservation(ctx context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRelease {
		return &utils.TimeoutError{Operation: "release-reservation", Attempts: 4}
	}
	f.releases[reference] = true
	return nil
}

func (f *fakeLedger) ReleaseCommitment(ctx context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases[reference] = true
	return nil
}

func (f *fakeLedger) released(reference string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases[reference]
}

func (f *fakeLedger) activeReservations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	active := f.reserveCalls
	for ref := range f.releases {
		if strings.HasPrefix(ref, "res-") {
			active--
		}
	}
	return active
}

func setupIntegrationEnv(t *testing.T) (*gorm.DB, context.Context) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "procure_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetCorrelationIdInContext(ctx, "test-correlation")
	return config.GetDB(), ctx
}

func newTestRegistry(t *testing.T, db *gorm.DB, ledger workflow.BudgetLedger) *workflow.Registry {
	t.Helper()
	logger := config.GetLogger()
	prices := pricing.NewContractPriceCache(config.GetRedisDB(), &pricing.GormCatalogSource{DB: db}, logger)
	return workflow.NewRegistry(db, logger, ledger, prices, config.GetRedisLock())
}

func seedBudgetItem(t *testing.T, db *gorm.DB, planned int64) *models.BudgetRequestItem {
	t.Helper()
	item := models.BudgetRequestItem{
		FiscalYear:   2026,
		ItemId:       100,
		ItemName:     "Surgical Gloves",
		PlannedQtyQ1: decimal.NewFromInt(planned),
		UnitPrice:    decimal.NewFromInt(100),
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed budget item: %v", err)
	}
	return &item
}

func seedDraftPr(t *testing.T, db *gorm.DB, ctx context.Context, item *models.BudgetRequestItem, qty int64) *models.PurchaseRequest {
	t.Helper()
	pr, err := models.CreatePurchaseRequest(db, ctx, &models.NewPurchaseRequest{
		RequesterId:   1,
		DepartmentId:  7,
		FiscalYear:    2026,
		RequestNumber: fmt.Sprintf("PR-%d", time.Now().UnixNano()),
		Details: []models.NewPurchaseRequestDetail{{
			BudgetRequestItemId: item.ID,
			Name:                item.ItemName,
			Quarter:             1,
			DetailQty:           decimal.NewFromInt(qty),
			DetailUnitPrice:     decimal.NewFromInt(100),
		}},
	})
	if err != nil {
		t.Fatalf("seed purchase request: %v", err)
	}
	return pr
}

func seedSentPo(t *testing.T, db *gorm.DB, item *models.BudgetRequestItem, prId int, orderedQty int64, status models.PurchaseOrderStatus) *models.PurchaseOrder {
	t.Helper()
	po := models.PurchaseOrder{
		PurchaseRequestId: prId,
		VendorId:          9,
		OrderNumber:       fmt.Sprintf("PO-%d", time.Now().UnixNano()),
		GrandTotal:        decimal.NewFromInt(orderedQty * 100),
		CurrentStatus:     status,
		Details: []models.PurchaseOrderDetail{{
			BudgetRequestItemId: item.ID,
			ItemId:              item.ItemId,
			Name:                item.ItemName,
			Quarter:             1,
			OrderedQty:          decimal.NewFromInt(orderedQty),
			UnitPrice:           decimal.NewFromInt(100),
		}},
	}
	if err := db.Create(&po).Error; err != nil {
		t.Fatalf("seed purchase order: %v", err)
	}
	return &po
}

func TestConcurrentSubmitCreatesExactlyOneReservation(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 100)
	pr := seedDraftPr(t, db, ctx, item, 10)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Pr.Submit(ctx, pr.ID)
		}()
	}
	wg.Wait()
	close(errs)

	var successes, conflicts int
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		var ve *utils.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError for the losing submit, got %v", err)
		}
		conflicts++
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d successes / %d conflicts", successes, conflicts)
	}

	var reservations int64
	if err := db.Model(&models.BudgetReservation{}).
		Where("purchase_request_id = ? AND status = ?", pr.ID, models.HoldStatusActive).
		Count(&reservations).Error; err != nil {
		t.Fatalf("count reservations: %v", err)
	}
	if reservations != 1 {
		t.Fatalf("expected exactly one active reservation, got %d", reservations)
	}
	if active := ledger.activeReservations(); active != 1 {
		t.Fatalf("expected exactly one active ledger hold, got %d", active)
	}

	got, err := models.GetPurchaseRequest(db, ctx, pr.ID)
	if err != nil {
		t.Fatalf("reload pr: %v", err)
	}
	if got.CurrentStatus != models.PurchaseRequestStatusSubmitted {
		t.Fatalf("expected Submitted, got %s", got.CurrentStatus)
	}
}

func TestSubmitBlockedByHardControlLeavesNoTrace(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 10)
	item.QuantityControlType = models.BudgetControlTypeHard
	item.QuantityVariancePercent = decimal.NewFromInt(10)
	if err := db.Save(item).Error; err != nil {
		t.Fatalf("update item controls: %v", err)
	}

	pr := seedDraftPr(t, db, ctx, item, 12) // +20% over a 10% HARD tolerance

	err := reg.Pr.Submit(ctx, pr.ID)
	var be *utils.BudgetError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetError, got %v", err)
	}
	if len(be.Shortages) != 1 || be.Shortages[0].BudgetItemId != item.ID {
		t.Fatalf("unexpected shortages: %+v", be.Shortages)
	}
	if ledger.reserveCalls != 0 {
		t.Fatalf("blocked submit must not touch the ledger, got %d reserve calls", ledger.reserveCalls)
	}

	got, _ := models.GetPurchaseRequest(db, ctx, pr.ID)
	if got.CurrentStatus != models.PurchaseRequestStatusDraft {
		t.Fatalf("expected Draft after blocked submit, got %s", got.CurrentStatus)
	}
}

func TestRejectStaysSubmittedWhenReleaseFails(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 100)
	pr := seedDraftPr(t, db, ctx, item, 10)
	if err := reg.Pr.Submit(ctx, pr.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	reservation, _ := models.GetActiveReservationForPr(db, ctx, pr.ID)
	if reservation == nil {
		t.Fatal("expected an active reservation after submit")
	}

	ledger.failRelease = true
	err := reg.Pr.Reject(ctx, pr.ID, "not needed")
	var te *utils.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError from the failed release, got %v", err)
	}

	got, _ := models.GetPurchaseRequest(db, ctx, pr.ID)
	if got.CurrentStatus != models.PurchaseRequestStatusSubmitted {
		t.Fatalf("failed release must leave the request Submitted, got %s", got.CurrentStatus)
	}
	active, _ := models.GetActiveReservationForPr(db, ctx, pr.ID)
	if active == nil || active.ID != reservation.ID {
		t.Fatal("failed release must leave the reservation active")
	}

	// Retry after the ledger recovers.
	ledger.failRelease = false
	if err := reg.Pr.Reject(ctx, pr.ID, "not needed"); err != nil {
		t.Fatalf("reject retry: %v", err)
	}
	got, _ = models.GetPurchaseRequest(db, ctx, pr.ID)
	if got.CurrentStatus != models.PurchaseRequestStatusRejected {
		t.Fatalf("expected Rejected, got %s", got.CurrentStatus)
	}
	if !ledger.released(reservation.ExternalRef) {
		t.Fatal("expected the ledger reservation to be released")
	}
	active, _ = models.GetActiveReservationForPr(db, ctx, pr.ID)
	if active != nil {
		t.Fatal("expected the local reservation to be released")
	}
}

func TestRejectDoesNotRaceApprove(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 100)
	pr := seedDraftPr(t, db, ctx, item, 10)
	if err := reg.Pr.Submit(ctx, pr.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	reservation, _ := models.GetActiveReservationForPr(db, ctx, pr.ID)
	if reservation == nil {
		t.Fatal("expected an active reservation after submit")
	}
	if err := db.Create(&models.UserPermission{UserId: 1, Action: workflow.ActionPrApprove}).Error; err != nil {
		t.Fatalf("grant pr:approve: %v", err)
	}

	var approveErr, rejectErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		approveErr = reg.Pr.Approve(ctx, pr.ID)
	}()
	go func() {
		defer wg.Done()
		rejectErr = reg.Pr.Reject(ctx, pr.ID, "late rejection")
	}()
	wg.Wait()

	// Whichever wins the entity lock, the loser must fail cleanly and the
	// reservation must match the final status.
	got, _ := models.GetPurchaseRequest(db, ctx, pr.ID)
	switch got.CurrentStatus {
	case models.PurchaseRequestStatusApproved:
		if approveErr != nil {
			t.Fatalf("approve won the lock but failed: %v", approveErr)
		}
		var ve *utils.ValidationError
		if !errors.As(rejectErr, &ve) {
			t.Fatalf("expected ValidationError from the losing reject, got %v", rejectErr)
		}
		active, _ := models.GetActiveReservationForPr(db, ctx, pr.ID)
		if active == nil || active.ID != reservation.ID {
			t.Fatal("approval must leave the reservation untouched")
		}
		if ledger.released(reservation.ExternalRef) {
			t.Fatal("losing reject must not release an approved request's reservation")
		}
	case models.PurchaseRequestStatusRejected:
		if rejectErr != nil {
			t.Fatalf("reject won the lock but failed: %v", rejectErr)
		}
		var ve *utils.ValidationError
		if !errors.As(approveErr, &ve) {
			t.Fatalf("expected ValidationError from the losing approve, got %v", approveErr)
		}
		if !ledger.released(reservation.ExternalRef) {
			t.Fatal("rejection must release the ledger reservation")
		}
		active, _ := models.GetActiveReservationForPr(db, ctx, pr.ID)
		if active != nil {
			t.Fatal("rejection must release the local reservation")
		}
	default:
		t.Fatalf("expected Approved or Rejected, got %s", got.CurrentStatus)
	}
}

func TestApproveHighValuePoRequiresDocument(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	reg := newTestRegistry(t, db, newFakeLedger())

	item := seedBudgetItem(t, db, 1000)
	// 200 x 100 = 20000, over the default 10000 high-value threshold.
	po := seedSentPo(t, db, item, 1, 200, models.PurchaseOrderStatusPending)

	err := reg.Po.Approve(ctx, po.ID)
	var fe *utils.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError without the approve grant, got %v", err)
	}
	if err := db.Create(&models.UserPermission{UserId: 1, Action: workflow.ActionPoApprove}).Error; err != nil {
		t.Fatalf("grant po:approve: %v", err)
	}

	err = reg.Po.Approve(ctx, po.ID)
	var ve *utils.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError without an approval document, got %v", err)
	}
	got, _ := models.GetPurchaseOrder(db, ctx, po.ID)
	if got.CurrentStatus != models.PurchaseOrderStatusPending {
		t.Fatalf("blocked approval must leave the order Pending, got %s", got.CurrentStatus)
	}

	doc := models.ApprovalDocument{
		PurchaseOrderId: po.ID,
		FileName:        "board-signoff.pdf",
		UploadedBy:      1,
	}
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("seed approval document: %v", err)
	}
	if err := reg.Po.Approve(ctx, po.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ = models.GetPurchaseOrder(db, ctx, po.ID)
	if got.CurrentStatus != models.PurchaseOrderStatusApproved || got.ApprovedAt == nil {
		t.Fatalf("expected Approved with stamp, got %s", got.CurrentStatus)
	}
}

func TestSendStaysApprovedWhenCommitFails(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 100)
	pr := seedDraftPr(t, db, ctx, item, 10)
	if err := reg.Pr.Submit(ctx, pr.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	po := seedSentPo(t, db, item, pr.ID, 10, models.PurchaseOrderStatusApproved)

	ledger.failCommit = true
	err := reg.Po.Send(ctx, po.ID)
	var ae *utils.BudgetAPIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected BudgetAPIError, got %v", err)
	}

	got, _ := models.GetPurchaseOrder(db, ctx, po.ID)
	if got.CurrentStatus != models.PurchaseOrderStatusApproved {
		t.Fatalf("failed commit must leave the order Approved, got %s", got.CurrentStatus)
	}
	var commitments int64
	db.Model(&models.BudgetCommitment{}).Where("purchase_order_id = ?", po.ID).Count(&commitments)
	if commitments != 0 {
		t.Fatalf("expected no commitment rows, got %d", commitments)
	}
	reservation, _ := models.GetActiveReservationForPr(db, ctx, pr.ID)
	if reservation == nil {
		t.Fatal("reservation must stay active after a failed commit")
	}

	// Retry after the ledger recovers.
	ledger.failCommit = false
	if err := reg.Po.Send(ctx, po.ID); err != nil {
		t.Fatalf("send retry: %v", err)
	}
	got, _ = models.GetPurchaseOrder(db, ctx, po.ID)
	if got.CurrentStatus != models.PurchaseOrderStatusSent {
		t.Fatalf("expected Sent, got %s", got.CurrentStatus)
	}
	reservation, _ = models.GetActiveReservationForPr(db, ctx, pr.ID)
	if reservation != nil {
		t.Fatal("reservation must be converted after send")
	}
	commitment, _ := models.GetActiveCommitmentForPo(db, ctx, po.ID)
	if commitment == nil {
		t.Fatal("expected an active commitment after send")
	}
}

func TestCancelBlockedByReceipts(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 100)
	po := seedSentPo(t, db, item, 1, 10, models.PurchaseOrderStatusSent)
	commitment := models.BudgetCommitment{
		PurchaseOrderId: po.ID,
		ExternalRef:     "cmt-manual-1",
		Amount:          po.GrandTotal,
		Status:          models.HoldStatusActive,
	}
	if err := db.Create(&commitment).Error; err != nil {
		t.Fatalf("seed commitment: %v", err)
	}

	receipt := models.Receipt{
		PurchaseOrderId: po.ID,
		LocationId:      3,
		ReceiptNumber:   "GRN-1",
		CurrentStatus:   models.ReceiptStatusDraft,
	}
	if err := db.Create(&receipt).Error; err != nil {
		t.Fatalf("seed receipt: %v", err)
	}

	err := reg.Po.Cancel(ctx, po.ID, "ordered in error")
	var ve *utils.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError while receipts exist, got %v", err)
	}
	got, _ := models.GetPurchaseOrder(db, ctx, po.ID)
	if got.CurrentStatus != models.PurchaseOrderStatusSent {
		t.Fatalf("blocked cancel must not change status, got %s", got.CurrentStatus)
	}

	// A rejected receipt no longer blocks cancellation.
	if err := db.Model(&models.Receipt{}).Where("id = ?", receipt.ID).
		Update("current_status", models.ReceiptStatusRejected).Error; err != nil {
		t.Fatalf("reject receipt: %v", err)
	}
	if err := reg.Po.Cancel(ctx, po.ID, "ordered in error"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = models.GetPurchaseOrder(db, ctx, po.ID)
	if got.CurrentStatus != models.PurchaseOrderStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", got.CurrentStatus)
	}
	if !ledger.released("cmt-manual-1") {
		t.Fatal("expected the ledger commitment to be released")
	}
	active, _ := models.GetActiveCommitmentForPo(db, ctx, po.ID)
	if active != nil {
		t.Fatal("expected the local commitment to be released")
	}
}

func TestSettledHoldsDoNotTransition(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)

	reservation := models.BudgetReservation{
		PurchaseRequestId: 1,
		ExternalRef:       "res-settled-1",
		Amount:            decimal.NewFromInt(100),
		Status:            models.HoldStatusActive,
		ExpiresAt:         time.Now().UTC().AddDate(0, 0, 30),
	}
	if err := db.Create(&reservation).Error; err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	if err := models.MarkReservationStatus(db, ctx, reservation.ID, models.HoldStatusReleased); err != nil {
		t.Fatalf("release: %v", err)
	}

	// A stale writer trying to convert a released hold must be a no-op.
	if err := models.MarkReservationStatus(db, ctx, reservation.ID, models.HoldStatusConverted); err != nil {
		t.Fatalf("stale convert: %v", err)
	}
	var got models.BudgetReservation
	if err := db.First(&got, reservation.ID).Error; err != nil {
		t.Fatalf("reload reservation: %v", err)
	}
	if got.Status != models.HoldStatusReleased {
		t.Fatalf("released reservation must stay Released, got %s", got.Status)
	}
	if got.ReleasedAt == nil {
		t.Fatal("expected a release stamp")
	}

	commitment := models.BudgetCommitment{
		PurchaseOrderId: 1,
		ExternalRef:     "cmt-settled-1",
		Amount:          decimal.NewFromInt(100),
		Status:          models.HoldStatusActive,
	}
	if err := db.Create(&commitment).Error; err != nil {
		t.Fatalf("seed commitment: %v", err)
	}
	if err := models.MarkCommitmentStatus(db, ctx, commitment.ID, models.HoldStatusReleased); err != nil {
		t.Fatalf("release commitment: %v", err)
	}
	if err := models.MarkCommitmentStatus(db, ctx, commitment.ID, models.HoldStatusConverted); err != nil {
		t.Fatalf("stale convert commitment: %v", err)
	}
	var gotCmt models.BudgetCommitment
	if err := db.First(&gotCmt, commitment.ID).Error; err != nil {
		t.Fatalf("reload commitment: %v", err)
	}
	if gotCmt.Status != models.HoldStatusReleased {
		t.Fatalf("released commitment must stay Released, got %s", gotCmt.Status)
	}
}

func TestReceiptPostingIsAtomic(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 100)
	po := seedSentPo(t, db, item, 1, 10, models.PurchaseOrderStatusSent)
	poDetailId := po.Details[0].ID

	// Two lines against the same order line, individually valid but jointly
	// over the ordered quantity. Per-line validation passes; the overage
	// guard trips mid-apply and the whole posting must roll back.
	receipt := models.Receipt{
		PurchaseOrderId: po.ID,
		LocationId:      3,
		ReceiptNumber:   "GRN-2",
		CurrentStatus:   models.ReceiptStatusAccepted,
		InspectorCount:  3,
		Details: []models.ReceiptDetail{
			{PurchaseOrderDetailId: poDetailId, ItemId: item.ItemId, AcceptedQty: decimal.NewFromInt(6), LotNumber: "LOT-A"},
			{PurchaseOrderDetailId: poDetailId, ItemId: item.ItemId, AcceptedQty: decimal.NewFromInt(6), LotNumber: "LOT-B"},
		},
	}
	if err := db.Create(&receipt).Error; err != nil {
		t.Fatalf("seed receipt: %v", err)
	}

	err := reg.Receipt.Post(ctx, receipt.ID)
	var ve *utils.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError from the overage guard, got %v", err)
	}

	got, _ := models.GetReceipt(db, ctx, receipt.ID)
	if got.CurrentStatus != models.ReceiptStatusAccepted {
		t.Fatalf("failed posting must leave the receipt Accepted, got %s", got.CurrentStatus)
	}
	var lots, movements int64
	db.Model(&models.InventoryLot{}).Count(&lots)
	db.Model(&models.InventoryTransaction{}).Count(&movements)
	if lots != 0 || movements != 0 {
		t.Fatalf("rollback must leave no inventory side effects, got %d lots / %d movements", lots, movements)
	}
	var detail models.PurchaseOrderDetail
	db.First(&detail, poDetailId)
	if !detail.ReceivedQty.IsZero() {
		t.Fatalf("rollback must not advance received qty, got %s", detail.ReceivedQty)
	}
	reloaded, _ := models.GetBudgetRequestItem(db, ctx, item.ID)
	if !reloaded.PurchasedQtyQ1.IsZero() {
		t.Fatalf("rollback must not advance purchased qty, got %s", reloaded.PurchasedQtyQ1)
	}
}

func TestReceiptPostingAppliesAllEffects(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	ledger := newFakeLedger()
	reg := newTestRegistry(t, db, ledger)

	item := seedBudgetItem(t, db, 100)
	po := seedSentPo(t, db, item, 1, 10, models.PurchaseOrderStatusSent)
	poDetailId := po.Details[0].ID

	expiry := time.Now().UTC().AddDate(1, 0, 0)
	receipt := models.Receipt{
		PurchaseOrderId: po.ID,
		LocationId:      3,
		ReceiptNumber:   "GRN-3",
		CurrentStatus:   models.ReceiptStatusAccepted,
		InspectorCount:  3,
		Details: []models.ReceiptDetail{
			{PurchaseOrderDetailId: poDetailId, ItemId: item.ItemId, AcceptedQty: decimal.NewFromInt(6), LotNumber: "LOT-A", ExpiryDate: &expiry},
		},
	}
	if err := db.Create(&receipt).Error; err != nil {
		t.Fatalf("seed receipt: %v", err)
	}

	if failures, err := reg.Receipt.ValidateForPosting(ctx, receipt.ID); err != nil || len(failures) != 0 {
		t.Fatalf("expected clean validation, got %v / %v", failures, err)
	}
	if err := reg.Receipt.Post(ctx, receipt.ID); err != nil {
		t.Fatalf("post: %v", err)
	}

	got, _ := models.GetReceipt(db, ctx, receipt.ID)
	if got.CurrentStatus != models.ReceiptStatusPosted || got.PostedAt == nil {
		t.Fatalf("expected Posted with stamp, got %s", got.CurrentStatus)
	}

	var lot models.InventoryLot
	if err := db.Where("lot_number = ?", "LOT-A").First(&lot).Error; err != nil {
		t.Fatalf("expected a lot: %v", err)
	}
	if !lot.QuantityReceived.Equal(decimal.NewFromInt(6)) || !lot.QuantityRemaining.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("unexpected lot quantities: %+v", lot)
	}

	var record models.InventoryRecord
	if err := db.Where("item_id = ? AND location_id = ?", item.ItemId, 3).First(&record).Error; err != nil {
		t.Fatalf("expected an inventory record: %v", err)
	}
	if !record.QuantityOnHand.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected 6 on hand, got %s", record.QuantityOnHand)
	}

	var movement models.InventoryTransaction
	if err := db.Where("reference_type = ? AND reference_id = ?", "Receipt", receipt.ID).First(&movement).Error; err != nil {
		t.Fatalf("expected a RECEIVE movement: %v", err)
	}
	if movement.TransactionType != models.InventoryTransactionTypeReceive {
		t.Fatalf("unexpected movement type %s", movement.TransactionType)
	}

	poAfter, _ := models.GetPurchaseOrder(db, ctx, po.ID)
	if poAfter.CurrentStatus != models.PurchaseOrderStatusPartial {
		t.Fatalf("expected Partial after a partial posting, got %s", poAfter.CurrentStatus)
	}
	reloaded, _ := models.GetBudgetRequestItem(db, ctx, item.ID)
	if !reloaded.PurchasedQtyQ1.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected purchased qty 6, got %s", reloaded.PurchasedQtyQ1)
	}

	// A second receipt for the remainder completes the order.
	second := models.Receipt{
		PurchaseOrderId: po.ID,
		LocationId:      3,
		ReceiptNumber:   "GRN-4",
		CurrentStatus:   models.ReceiptStatusAccepted,
		InspectorCount:  3,
		Details: []models.ReceiptDetail{
			{PurchaseOrderDetailId: poDetailId, ItemId: item.ItemId, AcceptedQty: decimal.NewFromInt(4), LotNumber: "LOT-C"},
		},
	}
	if err := db.Create(&second).Error; err != nil {
		t.Fatalf("seed second receipt: %v", err)
	}
	if err := reg.Receipt.Post(ctx, second.ID); err != nil {
		t.Fatalf("post second: %v", err)
	}
	poAfter, _ = models.GetPurchaseOrder(db, ctx, po.ID)
	if poAfter.CurrentStatus != models.PurchaseOrderStatusCompleted {
		t.Fatalf("expected Completed, got %s", poAfter.CurrentStatus)
	}
}

func TestValidateForPostingReportsInspectorShortfall(t *testing.T) {
	db, ctx := setupIntegrationEnv(t)
	reg := newTestRegistry(t, db, newFakeLedger())

	item := seedBudgetItem(t, db, 100)
	po := seedSentPo(t, db, item, 1, 10, models.PurchaseOrderStatusSent)
	receipt := models.Receipt{
		PurchaseOrderId: po.ID,
		LocationId:      3,
		ReceiptNumber:   "GRN-5",
		CurrentStatus:   models.ReceiptStatusAccepted,
		InspectorCount:  1,
		Details: []models.ReceiptDetail{
			{PurchaseOrderDetailId: po.Details[0].ID, ItemId: item.ItemId, AcceptedQty: decimal.NewFromInt(1), LotNumber: "LOT-D"},
		},
	}
	if err := db.Create(&receipt).Error; err != nil {
		t.Fatalf("seed receipt: %v", err)
	}

	failures, err := reg.Receipt.ValidateForPosting(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("ValidateForPosting: %v", err)
	}
	if len(failures) != 1 || !strings.Contains(failures[0], "inspector count") {
		t.Fatalf("expected an inspector-count failure, got %v", failures)
	}

	err = reg.Receipt.Post(ctx, receipt.ID)
	var ve *utils.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("procure-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("procure-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=procure_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
