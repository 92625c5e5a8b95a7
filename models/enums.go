package models

import "errors"

type PurchaseRequestStatus string

const (
	PurchaseRequestStatusDraft     PurchaseRequestStatus = "Draft"
	PurchaseRequestStatusSubmitted PurchaseRequestStatus = "Submitted"
	PurchaseRequestStatusApproved  PurchaseRequestStatus = "Approved"
	PurchaseRequestStatusRejected  PurchaseRequestStatus = "Rejected"
	// Converted is terminal; set once a purchase order has been created from the PR.
	PurchaseRequestStatusConverted PurchaseRequestStatus = "Converted"
)

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusDraft     PurchaseOrderStatus = "Draft"
	PurchaseOrderStatusPending   PurchaseOrderStatus = "Pending"
	PurchaseOrderStatusApproved  PurchaseOrderStatus = "Approved"
	PurchaseOrderStatusSent      PurchaseOrderStatus = "Sent"
	PurchaseOrderStatusPartial   PurchaseOrderStatus = "Partial"
	PurchaseOrderStatusCompleted PurchaseOrderStatus = "Completed"
	PurchaseOrderStatusCancelled PurchaseOrderStatus = "Cancelled"
)

type ReceiptStatus string

const (
	ReceiptStatusDraft      ReceiptStatus = "Draft"
	ReceiptStatusInspecting ReceiptStatus = "Inspecting"
	ReceiptStatusAccepted   ReceiptStatus = "Accepted"
	ReceiptStatusPosted     ReceiptStatus = "Posted"
	ReceiptStatusRejected   ReceiptStatus = "Rejected"
)

// BudgetControlType decides how hard a variance breach is enforced.
type BudgetControlType string

const (
	BudgetControlTypeNone BudgetControlType = "NONE"
	BudgetControlTypeSoft BudgetControlType = "SOFT"
	BudgetControlTypeHard BudgetControlType = "HARD"
)

func ParseBudgetControlType(s string) (BudgetControlType, error) {
	switch s {
	case "NONE":
		return BudgetControlTypeNone, nil
	case "SOFT":
		return BudgetControlTypeSoft, nil
	case "HARD":
		return BudgetControlTypeHard, nil
	default:
		return "", errors.New("invalid budget control type")
	}
}

type BudgetControlStatus string

const (
	BudgetControlStatusOK      BudgetControlStatus = "OK"
	BudgetControlStatusWarning BudgetControlStatus = "WARNING"
	BudgetControlStatusBlocked BudgetControlStatus = "BLOCKED"
)

// HoldStatus tracks the local mirror of an external ledger hold.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "Active"
	HoldStatusReleased HoldStatus = "Released"
	// Converted applies to reservations only: the hold became a commitment on PO send.
	HoldStatusConverted HoldStatus = "Converted"
)

// SagaState tracks one workflow operation that touches the external ledger.
// PendingExternal -> LocalCommitted on the happy path;
// PendingExternal -> Compensating -> Released when the local commit failed
// after the external call had already succeeded.
type SagaState string

const (
	SagaStatePendingExternal SagaState = "PendingExternal"
	SagaStateLocalCommitted  SagaState = "LocalCommitted"
	SagaStateCompensating    SagaState = "Compensating"
	SagaStateReleased        SagaState = "Released"
)

type InventoryTransactionType string

const (
	InventoryTransactionTypeReceive InventoryTransactionType = "RECEIVE"
	// Dispense movements are written by the dispensing module, not this core.
	InventoryTransactionTypeDispense InventoryTransactionType = "DISPENSE"
)

type ContractStatus string

const (
	ContractStatusDraft   ContractStatus = "Draft"
	ContractStatusActive  ContractStatus = "Active"
	ContractStatusExpired ContractStatus = "Expired"
)

const (
	OutboxPublishStatusPending = "PENDING"
	OutboxPublishStatusSent    = "SENT"
	OutboxPublishStatusDead    = "DEAD"
)
