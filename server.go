package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/repaircore/stock_backend/config"
	"github.com/repaircore/stock_backend/models"
	"github.com/repaircore/stock_backend/utils"
	"github.com/repaircore/stock_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// tenantMiddleware resolves the acting tenant and actor from request
// headers and attaches them to the request context. Every /api route
// requires a tenant.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := strings.TrimSpace(c.GetHeader("x-tenant-id"))
		if tenantId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "x-tenant-id header is required"})
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
		if v := strings.TrimSpace(c.GetHeader("x-actor-id")); v != "" {
			if actorId, err := strconv.Atoi(v); err == nil {
				ctx = utils.SetActorIdInContext(ctx, actorId)
			}
		}
		if v := strings.TrimSpace(c.GetHeader("x-actor-name")); v != "" {
			ctx = utils.SetActorNameInContext(ctx, v)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// httpStatusForError maps the typed domain errors onto HTTP statuses.
func httpStatusForError(err error) int {
	var insufficient *models.InsufficientStockError
	var overReceipt *models.OverReceiptError
	var invalidQty *models.InvalidQuantityError
	var movementFailed *models.MovementFailedError
	var persistFailed *models.PersistFailedError

	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorDuplicateValue):
		return http.StatusConflict
	case errors.As(err, &insufficient), errors.As(err, &overReceipt):
		return http.StatusConflict
	case errors.As(err, &invalidQty):
		return http.StatusBadRequest
	case errors.As(err, &movementFailed), errors.As(err, &persistFailed):
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func writeError(c *gin.Context, err error) {
	c.JSON(httpStatusForError(err), gin.H{"error": err.Error()})
}

func requestIdentity(c *gin.Context) (string, int) {
	tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
	actorId, _ := utils.GetActorIdFromContext(c.Request.Context())
	return tenantId, actorId
}

// compensateSagaMode selects the explicit-compensation consume path; the
// default posts all phases in one transaction.
func compensateSagaMode() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("SAGA_COMPENSATE_MODE")), "true")
}

func consumeHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.ConsumeInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		input.TenantId, input.ActorId = requestIdentity(c)

		wf := workflow.NewConsumptionWorkflow(config.GetDB(), logger)
		result, err := wf.Consume(c.Request.Context(), &input, workflow.ConsumeOpts{Compensate: compensateSagaMode()})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func receiveHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.ReceiveInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		input.TenantId, input.ActorId = requestIdentity(c)

		wf := workflow.NewReceivingWorkflow(config.GetDB(), logger)
		result, err := wf.Receive(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func adjustHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.AdjustInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		input.TenantId, input.ActorId = requestIdentity(c)

		wf := workflow.NewAdjustmentWorkflow(config.GetDB(), logger)
		mv, err := wf.Adjust(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, mv)
	}
}

func changeSkuHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.ChangeSkuInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		input.TenantId, input.ActorId = requestIdentity(c)

		wf := workflow.NewAdjustmentWorkflow(config.GetDB(), logger)
		if err := wf.ChangeSku(c.Request.Context(), &input); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"device_unit_id": input.DeviceUnitId, "sku": input.ToSku})
	}
}

func transferHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.TransferInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		input.TenantId, input.ActorId = requestIdentity(c)

		wf := workflow.NewAdjustmentWorkflow(config.GetDB(), logger)
		if err := wf.TransferStock(c.Request.Context(), &input); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sku": input.Sku, "qty": input.Qty})
	}
}

func stockLinesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		warehouseId, err := strconv.Atoi(c.Param("warehouse_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse_id"})
			return
		}
		lines, err := models.GetStockLines(c.Request.Context(), warehouseId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, lines)
	}
}

func stockLineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		warehouseId, err := strconv.Atoi(c.Param("warehouse_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse_id"})
			return
		}
		line, err := models.GetStockLine(c.Request.Context(), warehouseId, c.Param("sku"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func movementAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		warehouseId, err := strconv.Atoi(c.Param("warehouse_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse_id"})
			return
		}
		audit, err := models.GetMovementAudit(c.Request.Context(), warehouseId, c.Param("sku"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, audit)
	}
}

func repairConsumptionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		repairId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid repair id"})
			return
		}
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		db := config.GetDB().WithContext(c.Request.Context())
		records, err := models.GetConsumptionRecordsForRepair(db, tenantId, repairId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func createWarehouseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewWarehouse
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		warehouse, err := models.CreateWarehouse(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		_ = config.DeleteRedisKey(warehouseCacheKey(c.Request.Context()))
		c.JSON(http.StatusOK, warehouse)
	}
}

func warehouseCacheKey(ctx context.Context) string {
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	return "warehouses:" + tenantId
}

func listWarehousesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var warehouses []*models.Warehouse
		key := warehouseCacheKey(c.Request.Context())
		if hit, err := config.GetRedisObject(key, &warehouses); err == nil && hit {
			c.JSON(http.StatusOK, warehouses)
			return
		}
		warehouses, err := models.GetWarehouses(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if err := config.SetRedisObject(key, warehouses, time.Minute); err != nil {
			config.LogError(config.GetLogger(), "server.go", "listWarehousesHandler", "SetRedisObject", key, err)
		}
		c.JSON(http.StatusOK, warehouses)
	}
}

func updateWarehouseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse id"})
			return
		}
		var input models.NewWarehouse
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		warehouse, err := models.UpdateWarehouse(c.Request.Context(), id, &input)
		if err != nil {
			writeError(c, err)
			return
		}
		_ = config.DeleteRedisKey(warehouseCacheKey(c.Request.Context()))
		c.JSON(http.StatusOK, warehouse)
	}
}

func toggleWarehouseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse id"})
			return
		}
		var req struct {
			IsActive bool `json:"is_active"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		warehouse, err := models.ToggleActiveWarehouse(c.Request.Context(), id, req.IsActive)
		if err != nil {
			writeError(c, err)
			return
		}
		_ = config.DeleteRedisKey(warehouseCacheKey(c.Request.Context()))
		c.JSON(http.StatusOK, warehouse)
	}
}

func createPurchaseBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPurchaseBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		batch, err := models.CreatePurchaseBatch(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func createRepairReasonHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewRepairReason
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		reason, err := models.CreateRepairReason(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, reason)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-tenant-id", "x-actor-id", "x-actor-name", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", tenantMiddleware())
	api.POST("/stock/consume", consumeHandler(logger))
	api.POST("/stock/receive", receiveHandler(logger))
	api.POST("/stock/adjust", adjustHandler(logger))
	api.POST("/stock/change-sku", changeSkuHandler(logger))
	api.POST("/stock/transfer", transferHandler(logger))
	api.GET("/stock/lines/:warehouse_id", stockLinesHandler())
	api.GET("/stock/lines/:warehouse_id/:sku", stockLineHandler())
	api.GET("/stock/audit/:warehouse_id/:sku", movementAuditHandler())
	api.GET("/repairs/:id/consumptions", repairConsumptionsHandler())
	api.POST("/warehouses", createWarehouseHandler())
	api.GET("/warehouses", listWarehousesHandler())
	api.PUT("/warehouses/:id", updateWarehouseHandler())
	api.PUT("/warehouses/:id/active", toggleWarehouseHandler())
	api.POST("/purchase-batches", createPurchaseBatchHandler())
	api.POST("/repair-reasons", createRepairReasonHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("stock service listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
