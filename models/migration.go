package models

import (
	"log"

	"github.com/repaircore/stock_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Warehouse{},
		&StockLine{}, &StockMovement{},
		&PurchaseBatch{},
		&ConsumptionRecord{},
		&RepairReason{}, &RepairReasonPrice{},
		&DeviceUnit{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
