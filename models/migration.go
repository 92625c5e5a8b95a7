package models

import (
	"log"

	"bitbucket.org/mmdatafocus/procure_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&BudgetRequestItem{},
		&PurchaseRequest{}, &PurchaseRequestDetail{},
		&PurchaseOrder{}, &PurchaseOrderDetail{},
		&Receipt{}, &ReceiptDetail{},
		&BudgetReservation{}, &BudgetCommitment{},
		&InventoryLot{}, &InventoryRecord{}, &InventoryTransaction{},
		&Contract{}, &ContractPrice{},
		&ApprovalDocument{},
		&UserPermission{},
		&SagaStep{},
		&NotificationOutbox{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
