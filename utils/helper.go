package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/repaircore/stock_backend/config"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

var validate = validator.New()

// ValidateStruct runs validator/v10 tags on workflow inputs.
func ValidateStruct(input any) error {
	if err := validate.Struct(input); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return err
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid input: field=%s rule=%s", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// IsValidPhoneNumber parses with the operation's default country code.
func IsValidPhoneNumber(phone string) bool {
	if strings.TrimSpace(phone) == "" {
		return false
	}
	num, err := libphonenumber.Parse(phone, CountryCode)
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(num)
}

// TenantLock obtains a short-lived redis lock scoped to a tenant.
// Best-effort serialization in front of the MySQL advisory lock; posting
// correctness never depends on redis being up, so a nil return (redis down,
// lock held elsewhere) means proceed anyway. Release with TenantUnlock.
func TenantLock(ctx context.Context, tenantId string, lockType string, moduleName string, functionName string) *redislock.Lock {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", tenantId, errors.New("redis lock is nil"))
		return nil
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, tenantId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err != nil {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for tenantId", tenantId, err)
		return nil
	}
	return lock
}

func TenantUnlock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
