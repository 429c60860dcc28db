package accurate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const customerKeyPrefix = "ledger:customer:"

// CustomerCache кэширует поиск клиентов учётной системы по email в Redis.
// Ошибки Redis не прерывают выгрузку: при недоступном кэше клиент ищется в учётной системе.
type CustomerCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCustomerCache создаёт кэш клиентов.
func NewCustomerCache(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CustomerCache {
	return &CustomerCache{rdb: rdb, ttl: ttl, logger: logger}
}

func customerKey(email string) string {
	return customerKeyPrefix + strings.ToLower(strings.TrimSpace(email))
}

// Get возвращает закэшированного клиента.
func (c *CustomerCache) Get(ctx context.Context, email string) (CustomerRef, bool) {
	var ref CustomerRef
	if c == nil {
		return ref, false
	}

	raw, err := c.rdb.Get(ctx, customerKey(email)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("customer cache read failed", zap.Error(err))
		}
		return ref, false
	}

	if err := json.Unmarshal(raw, &ref); err != nil {
		return ref, false
	}
	return ref, true
}

// Set сохраняет клиента в кэше.
func (c *CustomerCache) Set(ctx context.Context, email string, ref CustomerRef) {
	if c == nil {
		return
	}

	raw, err := json.Marshal(ref)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, customerKey(email), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("customer cache write failed", zap.Error(err))
	}
}

// Invalidate удаляет клиента из кэша.
func (c *CustomerCache) Invalidate(ctx context.Context, email string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, customerKey(email)).Err(); err != nil {
		c.logger.Warn("customer cache invalidate failed", zap.Error(err))
	}
}
