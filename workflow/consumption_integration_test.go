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

	"github.com/google/uuid"
	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/models"
	"github.com/repaircore/stock_backend/utils"
	"github.com/repaircore/stock_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// End-to-end receive -> consume -> verify chain against real MySQL and
// Redis containers. Covers FIFO splitting across batches, frozen batch
// costs, the ledger/cache invariant and the all-or-nothing failure paths.
func TestConsumeFifoAcrossBatchesAndBlocksShortfall(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stock_test")
	t.Setenv("AUDIT_EVENT_TOPIC", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	tenantId := uuid.NewString()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test")

	db := config.GetDB()
	logger := logrus.New()

	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}

	reason, err := models.CreateRepairReason(ctx, &models.NewRepairReason{Name: "Screen replacement"})
	if err != nil {
		t.Fatalf("CreateRepairReason: %v", err)
	}
	diagnostic, err := models.CreateRepairReason(ctx, &models.NewRepairReason{
		Name:         "Diagnostic",
		IsFixedPrice: true,
		DefaultPrice: decimal.NewFromInt(5000),
	})
	if err != nil {
		t.Fatalf("CreateRepairReason (fixed): %v", err)
	}

	const sku = "SCRN-A1"
	batchA, err := models.CreatePurchaseBatch(ctx, &models.NewPurchaseBatch{
		Sku: sku, WarehouseId: warehouse.ID, PurchaseId: 100,
		OrderedQty: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreatePurchaseBatch A: %v", err)
	}
	batchB, err := models.CreatePurchaseBatch(ctx, &models.NewPurchaseBatch{
		Sku: sku, WarehouseId: warehouse.ID, PurchaseId: 101,
		OrderedQty: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(12),
	})
	if err != nil {
		t.Fatalf("CreatePurchaseBatch B: %v", err)
	}

	receiveWf := workflow.NewReceivingWorkflow(db, logger)

	// Over-receipt must be rejected before anything is written.
	_, err = receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 100, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batchA.ID, Sku: sku, QtyReceived: decimal.NewFromInt(6)},
		},
	})
	var overReceipt *models.OverReceiptError
	if !errors.As(err, &overReceipt) {
		t.Fatalf("expected OverReceiptError; got %v", err)
	}
	if line, lerr := models.GetStockLine(ctx, warehouse.ID, sku); lerr == nil {
		t.Fatalf("expected no stock line after rejected receipt; got quantity %s", line.Quantity.String())
	}

	// Two lines on the same batch that are only jointly over the limit are
	// rejected the same way, with the aggregated quantity in the error.
	_, err = receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 100, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batchA.ID, Sku: sku, QtyReceived: decimal.NewFromInt(3)},
			{PurchaseItemId: batchA.ID, Sku: sku, QtyReceived: decimal.NewFromInt(3)},
		},
	})
	if !errors.As(err, &overReceipt) {
		t.Fatalf("expected OverReceiptError for joint over-receipt; got %v", err)
	}
	if overReceipt.Requested.Cmp(decimal.NewFromInt(6)) != 0 {
		t.Fatalf("expected aggregated requested qty 6; got %s", overReceipt.Requested.String())
	}
	if line, lerr := models.GetStockLine(ctx, warehouse.ID, sku); lerr == nil {
		t.Fatalf("expected no stock line after rejected joint receipt; got quantity %s", line.Quantity.String())
	}

	// Receive 5 into batch A, 3 into batch B.
	if _, err := receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 100, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batchA.ID, Sku: sku, QtyReceived: decimal.NewFromInt(5)},
		},
	}); err != nil {
		t.Fatalf("Receive A: %v", err)
	}
	if _, err := receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 101, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batchB.ID, Sku: sku, QtyReceived: decimal.NewFromInt(3)},
		},
	}); err != nil {
		t.Fatalf("Receive B: %v", err)
	}

	line, err := models.GetStockLine(ctx, warehouse.ID, sku)
	if err != nil {
		t.Fatalf("GetStockLine after receive: %v", err)
	}
	if line.Quantity.Cmp(decimal.NewFromInt(8)) != 0 {
		t.Fatalf("expected quantity 8 after receive; got %s", line.Quantity.String())
	}

	// Consume 8 for a repair plus a fixed-price diagnostic line.
	consumeWf := workflow.NewConsumptionWorkflow(db, logger)
	result, err := consumeWf.Consume(ctx, &workflow.ConsumeInput{
		TenantId: tenantId, WarehouseId: warehouse.ID, ActorId: 1, RepairId: 7,
		Lines: []workflow.ConsumeLine{
			{Sku: sku, Qty: decimal.NewFromInt(8), ReasonId: reason.ID},
			{Sku: "diagnostic", Qty: decimal.NewFromInt(1), ReasonId: diagnostic.ID},
		},
	}, workflow.ConsumeOpts{})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	// 5*10 + 3*12 = 86 parts, 5000 service.
	if result.TotalCost.Cmp(decimal.NewFromInt(5086)) != 0 {
		t.Fatalf("expected total cost 5086; got %s", result.TotalCost.String())
	}
	partLine := result.Lines[0]
	if partLine.TotalCost.Cmp(decimal.NewFromInt(86)) != 0 {
		t.Fatalf("expected part line cost 86; got %s", partLine.TotalCost.String())
	}
	if partLine.UnitCost.Cmp(decimal.NewFromFloat(10.75)) != 0 {
		t.Fatalf("expected weighted unit cost 10.75; got %s", partLine.UnitCost.String())
	}
	if len(partLine.Claims) != 2 {
		t.Fatalf("expected the line split across 2 batches; got %d claims", len(partLine.Claims))
	}

	// One consumption record per claim, prices frozen per batch.
	records, err := models.GetConsumptionRecordsForRepair(db.WithContext(ctx), tenantId, 7)
	if err != nil {
		t.Fatalf("GetConsumptionRecordsForRepair: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 consumption records (2 claims + 1 service); got %d", len(records))
	}

	line, err = models.GetStockLine(ctx, warehouse.ID, sku)
	if err != nil {
		t.Fatalf("GetStockLine after consume: %v", err)
	}
	if !line.Quantity.IsZero() {
		t.Fatalf("expected quantity 0 after consume; got %s", line.Quantity.String())
	}

	// Ledger invariant: cached quantity equals the sum of movement deltas.
	ledgerSum, err := models.SumMovementDeltas(db, tenantId, warehouse.ID, sku)
	if err != nil {
		t.Fatalf("SumMovementDeltas: %v", err)
	}
	if !ledgerSum.Equal(line.Quantity) {
		t.Fatalf("ledger drift: cached=%s ledger=%s", line.Quantity.String(), ledgerSum.String())
	}

	audit, err := models.GetMovementAudit(ctx, warehouse.ID, sku)
	if err != nil {
		t.Fatalf("GetMovementAudit: %v", err)
	}
	if audit.TotalInbound.Cmp(decimal.NewFromInt(8)) != 0 || audit.TotalOutbound.Cmp(decimal.NewFromInt(8)) != 0 {
		t.Fatalf("expected inbound 8 / outbound 8; got %s / %s",
			audit.TotalInbound.String(), audit.TotalOutbound.String())
	}

	// Stock is now empty: consuming again must fail whole with no effects.
	_, err = consumeWf.Consume(ctx, &workflow.ConsumeInput{
		TenantId: tenantId, WarehouseId: warehouse.ID, ActorId: 1, RepairId: 8,
		Lines: []workflow.ConsumeLine{
			{Sku: sku, Qty: decimal.NewFromInt(1), ReasonId: reason.ID},
		},
	}, workflow.ConsumeOpts{})
	var insufficient *models.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError; got %v", err)
	}
	if insufficient.Sku != sku {
		t.Fatalf("expected error to name the offending sku; got %q", insufficient.Sku)
	}

	var batchAfter models.PurchaseBatch
	if err := db.First(&batchAfter, batchA.ID).Error; err != nil {
		t.Fatalf("fetch batch A: %v", err)
	}
	if batchAfter.UsedForRepair.Cmp(decimal.NewFromInt(5)) != 0 {
		t.Fatalf("failed consume must not leak claims; batch A used=%s", batchAfter.UsedForRepair.String())
	}
	if records, _ := models.GetConsumptionRecordsForRepair(db.WithContext(ctx), tenantId, 8); len(records) != 0 {
		t.Fatalf("failed consume must not persist records; got %d", len(records))
	}
}

// The compensating saga path must leave the same net state as a rollback:
// batch claims released and the ledger netted out with rollback rows.
func TestConsumeCompensateModeShortfallLeavesNoNetEffect(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stock_test")
	t.Setenv("AUDIT_EVENT_TOPIC", "")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	tenantId := uuid.NewString()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetActorIdInContext(ctx, 1)

	db := config.GetDB()
	logger := logrus.New()

	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
	reason, err := models.CreateRepairReason(ctx, &models.NewRepairReason{Name: "Battery"})
	if err != nil {
		t.Fatalf("CreateRepairReason: %v", err)
	}

	const okSku = "BATT-B2"
	const shortSku = "BATT-B3"
	batchOk, err := models.CreatePurchaseBatch(ctx, &models.NewPurchaseBatch{
		Sku: okSku, WarehouseId: warehouse.ID, PurchaseId: 200,
		OrderedQty: decimal.NewFromInt(4), UnitPrice: decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("CreatePurchaseBatch: %v", err)
	}

	receiveWf := workflow.NewReceivingWorkflow(db, logger)
	if _, err := receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 200, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batchOk.ID, Sku: okSku, QtyReceived: decimal.NewFromInt(4)},
		},
	}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// First line allocates fine; the second has no stock at all, so the
	// whole consume fails and the first line's claims are released.
	consumeWf := workflow.NewConsumptionWorkflow(db, logger)
	_, err = consumeWf.Consume(ctx, &workflow.ConsumeInput{
		TenantId: tenantId, WarehouseId: warehouse.ID, ActorId: 1, RepairId: 9,
		Lines: []workflow.ConsumeLine{
			{Sku: okSku, Qty: decimal.NewFromInt(2), ReasonId: reason.ID},
			{Sku: shortSku, Qty: decimal.NewFromInt(1), ReasonId: reason.ID},
		},
	}, workflow.ConsumeOpts{Compensate: true})
	var insufficient *models.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError; got %v", err)
	}
	if insufficient.Sku != shortSku {
		t.Fatalf("expected error on %s; got %s", shortSku, insufficient.Sku)
	}

	var batchAfter models.PurchaseBatch
	if err := db.First(&batchAfter, batchOk.ID).Error; err != nil {
		t.Fatalf("fetch batch: %v", err)
	}
	if !batchAfter.UsedForRepair.IsZero() {
		t.Fatalf("expected claims released; batch used=%s", batchAfter.UsedForRepair.String())
	}

	line, err := models.GetStockLine(ctx, warehouse.ID, okSku)
	if err != nil {
		t.Fatalf("GetStockLine: %v", err)
	}
	if line.Quantity.Cmp(decimal.NewFromInt(4)) != 0 {
		t.Fatalf("expected quantity unchanged at 4; got %s", line.Quantity.String())
	}
	if records, _ := models.GetConsumptionRecordsForRepair(db.WithContext(ctx), tenantId, 9); len(records) != 0 {
		t.Fatalf("expected no consumption records; got %d", len(records))
	}
}

// Two consumers racing over one scarce batch: the per-tenant posting lock
// serializes them, so exactly one wins and the loser gets a typed shortfall
// with the line never going negative.
func TestConcurrentConsumesNeverDriveStockNegative(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stock_test")
	t.Setenv("AUDIT_EVENT_TOPIC", "")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	tenantId := uuid.NewString()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetActorIdInContext(ctx, 1)

	db := config.GetDB()
	logger := logrus.New()

	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
	reason, err := models.CreateRepairReason(ctx, &models.NewRepairReason{Name: "Camera"})
	if err != nil {
		t.Fatalf("CreateRepairReason: %v", err)
	}

	const sku = "CAM-D4"
	batch, err := models.CreatePurchaseBatch(ctx, &models.NewPurchaseBatch{
		Sku: sku, WarehouseId: warehouse.ID, PurchaseId: 400,
		OrderedQty: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(30),
	})
	if err != nil {
		t.Fatalf("CreatePurchaseBatch: %v", err)
	}

	receiveWf := workflow.NewReceivingWorkflow(db, logger)
	if _, err := receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 400, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batch.ID, Sku: sku, QtyReceived: decimal.NewFromInt(5)},
		},
	}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// 3 + 3 demanded out of 5 available.
	consumeWf := workflow.NewConsumptionWorkflow(db, logger)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = consumeWf.Consume(ctx, &workflow.ConsumeInput{
				TenantId: tenantId, WarehouseId: warehouse.ID, ActorId: 1, RepairId: 40 + i,
				Lines: []workflow.ConsumeLine{
					{Sku: sku, Qty: decimal.NewFromInt(3), ReasonId: reason.ID},
				},
			}, workflow.ConsumeOpts{})
		}(i)
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		failed++
		var insufficient *models.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientStockError for the loser; got %v", err)
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected exactly one winner and one loser; got %d/%d", succeeded, failed)
	}

	line, err := models.GetStockLine(ctx, warehouse.ID, sku)
	if err != nil {
		t.Fatalf("GetStockLine: %v", err)
	}
	if line.Quantity.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected quantity 2 after one winning consume; got %s", line.Quantity.String())
	}
	ledgerSum, err := models.SumMovementDeltas(db, tenantId, warehouse.ID, sku)
	if err != nil {
		t.Fatalf("SumMovementDeltas: %v", err)
	}
	if !ledgerSum.Equal(line.Quantity) {
		t.Fatalf("ledger drift: cached=%s ledger=%s", line.Quantity.String(), ledgerSum.String())
	}

	var batchAfter models.PurchaseBatch
	if err := db.First(&batchAfter, batch.ID).Error; err != nil {
		t.Fatalf("fetch batch: %v", err)
	}
	if batchAfter.UsedForRepair.Cmp(decimal.NewFromInt(3)) != 0 {
		t.Fatalf("expected only the winner's claims; batch used=%s", batchAfter.UsedForRepair.String())
	}
}

// Compensate mode with a failure after phase 1 committed: the already
// recorded debit is netted out by a repairs_rollback row, every claim is
// released, and releasing the same claims twice still floors at zero.
func TestConsumeCompensateRollsBackCommittedMovements(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stock_test")
	t.Setenv("AUDIT_EVENT_TOPIC", "")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	tenantId := uuid.NewString()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetActorIdInContext(ctx, 1)

	db := config.GetDB()
	logger := logrus.New()

	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
	reason, err := models.CreateRepairReason(ctx, &models.NewRepairReason{Name: "Speaker"})
	if err != nil {
		t.Fatalf("CreateRepairReason: %v", err)
	}

	const okSku = "SPK-E5"
	const drainedSku = "SPK-E6"
	batchOk, err := models.CreatePurchaseBatch(ctx, &models.NewPurchaseBatch{
		Sku: okSku, WarehouseId: warehouse.ID, PurchaseId: 500,
		OrderedQty: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreatePurchaseBatch ok: %v", err)
	}
	batchDrained, err := models.CreatePurchaseBatch(ctx, &models.NewPurchaseBatch{
		Sku: drainedSku, WarehouseId: warehouse.ID, PurchaseId: 501,
		OrderedQty: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(15),
	})
	if err != nil {
		t.Fatalf("CreatePurchaseBatch drained: %v", err)
	}

	receiveWf := workflow.NewReceivingWorkflow(db, logger)
	if _, err := receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 500, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batchOk.ID, Sku: okSku, QtyReceived: decimal.NewFromInt(2)},
		},
	}); err != nil {
		t.Fatalf("Receive ok: %v", err)
	}
	if _, err := receiveWf.Receive(ctx, &workflow.ReceiveInput{
		TenantId: tenantId, PurchaseId: 501, WarehouseId: warehouse.ID, ActorId: 1,
		Lines: []workflow.ReceiveLine{
			{PurchaseItemId: batchDrained.ID, Sku: drainedSku, QtyReceived: decimal.NewFromInt(5)},
		},
	}); err != nil {
		t.Fatalf("Receive drained: %v", err)
	}

	// Drain the cached line below what the batch can still allocate, so
	// allocation (phase 1) succeeds but the ledger debit (phase 2) cannot.
	adjustWf := workflow.NewAdjustmentWorkflow(db, logger)
	if _, err := adjustWf.Adjust(ctx, &workflow.AdjustInput{
		TenantId: tenantId, WarehouseId: warehouse.ID, ActorId: 1,
		Sku: drainedSku, QtyDelta: decimal.NewFromInt(-4),
	}); err != nil {
		t.Fatalf("Adjust drain: %v", err)
	}

	consumeWf := workflow.NewConsumptionWorkflow(db, logger)
	_, err = consumeWf.Consume(ctx, &workflow.ConsumeInput{
		TenantId: tenantId, WarehouseId: warehouse.ID, ActorId: 1, RepairId: 50,
		Lines: []workflow.ConsumeLine{
			{Sku: okSku, Qty: decimal.NewFromInt(2), ReasonId: reason.ID},
			{Sku: drainedSku, Qty: decimal.NewFromInt(3), ReasonId: reason.ID},
		},
	}, workflow.ConsumeOpts{Compensate: true})
	var movementFailed *models.MovementFailedError
	if !errors.As(err, &movementFailed) {
		t.Fatalf("expected MovementFailedError; got %v", err)
	}
	if movementFailed.Sku != drainedSku {
		t.Fatalf("expected failure on %s; got %s", drainedSku, movementFailed.Sku)
	}

	// The first line's committed debit was netted out with a rollback row;
	// the ledger keeps both, so the trail shows the failed attempt.
	var rollbacks []models.StockMovement
	if err := db.Where("tenant_id = ? AND ref_type = ?", tenantId, models.RefTypeRepairsRollback).
		Find(&rollbacks).Error; err != nil {
		t.Fatalf("fetch rollback movements: %v", err)
	}
	if len(rollbacks) != 1 {
		t.Fatalf("expected exactly 1 rollback movement; got %d", len(rollbacks))
	}
	if rollbacks[0].Sku != okSku || rollbacks[0].QtyDelta.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected +2 rollback on %s; got %s on %s",
			okSku, rollbacks[0].QtyDelta.String(), rollbacks[0].Sku)
	}

	okLine, err := models.GetStockLine(ctx, warehouse.ID, okSku)
	if err != nil {
		t.Fatalf("GetStockLine ok: %v", err)
	}
	if okLine.Quantity.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected quantity restored to 2; got %s", okLine.Quantity.String())
	}
	for _, sku := range []string{okSku, drainedSku} {
		line, err := models.GetStockLine(ctx, warehouse.ID, sku)
		if err != nil {
			t.Fatalf("GetStockLine %s: %v", sku, err)
		}
		ledgerSum, err := models.SumMovementDeltas(db, tenantId, warehouse.ID, sku)
		if err != nil {
			t.Fatalf("SumMovementDeltas %s: %v", sku, err)
		}
		if !ledgerSum.Equal(line.Quantity) {
			t.Fatalf("ledger drift on %s: cached=%s ledger=%s", sku, line.Quantity.String(), ledgerSum.String())
		}
	}

	// Every claim was released.
	for _, id := range []int{batchOk.ID, batchDrained.ID} {
		var b models.PurchaseBatch
		if err := db.First(&b, id).Error; err != nil {
			t.Fatalf("fetch batch %d: %v", id, err)
		}
		if !b.UsedForRepair.IsZero() {
			t.Fatalf("expected batch %d claims released; used=%s", id, b.UsedForRepair.String())
		}
	}
	if records, _ := models.GetConsumptionRecordsForRepair(db.WithContext(ctx), tenantId, 50); len(records) != 0 {
		t.Fatalf("expected no consumption records; got %d", len(records))
	}

	// Releasing the same claims again floors at zero instead of going
	// negative, so replaying a compensation is harmless.
	if _, err := models.DecrementBatchUsed(db, batchDrained.ID, decimal.NewFromInt(3)); err != nil {
		t.Fatalf("DecrementBatchUsed replay: %v", err)
	}
	var drainedAfter models.PurchaseBatch
	if err := db.First(&drainedAfter, batchDrained.ID).Error; err != nil {
		t.Fatalf("fetch drained batch: %v", err)
	}
	if !drainedAfter.UsedForRepair.IsZero() {
		t.Fatalf("expected used floored at 0; got %s", drainedAfter.UsedForRepair.String())
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stock-test-redis-%d", time.Now().UnixNano())
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
	name := fmt.Sprintf("stock-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stock_test",
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
