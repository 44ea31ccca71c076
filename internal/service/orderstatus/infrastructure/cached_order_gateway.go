package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/pkg/redis"
	"ordersync/internal/service/orderstatus/domain"
)

const (
	cacheStatusScriptName = "order_status_cache_set"
	defaultCacheTTL       = 5 * time.Minute
)

// KEYS[1]: 订单缓存 key
// ARGV: status, account_id, updated_at(unix ms), ttl(ms)
const cacheStatusScript = `
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'account_id', ARGV[2], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`

// CachedOrderGateway 在持久化网关前加一层 Redis 读缓存，写入时同步刷新。
// 缓存故障只记录日志，不影响底层读写。
type CachedOrderGateway struct {
	next  domain.OrderGateway
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewCachedOrderGateway(next domain.OrderGateway, client *redis.Client, ttl time.Duration) (*CachedOrderGateway, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if err := client.LoadScriptFromContent(cacheStatusScriptName, cacheStatusScript); err != nil {
		return nil, fmt.Errorf("failed to load order cache script: %w", err)
	}
	return &CachedOrderGateway{next: next, redis: client, ttl: ttl, now: time.Now}, nil
}

func orderCacheKey(orderID string) string {
	return fmt.Sprintf("orderstatus:{%s}", orderID)
}

func (g *CachedOrderGateway) GetOrder(ctx context.Context, orderID string) (*domain.OrderRecord, error) {
	if rec, ok := g.lookup(ctx, orderID); ok {
		return rec, nil
	}
	rec, err := g.next.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = g.now()
	}
	g.store(ctx, orderID, rec.CurrentStatus(), rec.AccountID, ts)
	return rec, nil
}

func (g *CachedOrderGateway) UpsertOrder(ctx context.Context, orderID string, status domain.Status, accountID string) error {
	if err := g.next.UpsertOrder(ctx, orderID, status, accountID); err != nil {
		// 写入结果不确定，缓存直接作废
		if derr := g.redis.GetClient().Del(ctx, orderCacheKey(orderID)).Err(); derr != nil {
			logger.Ctx(ctx).Warn().Err(derr).Str("order_id", orderID).Msg("⚠️ Failed to invalidate order cache")
		}
		return err
	}
	g.store(ctx, orderID, status, accountID, g.now())
	return nil
}

func (g *CachedOrderGateway) lookup(ctx context.Context, orderID string) (*domain.OrderRecord, bool) {
	fields, err := g.redis.GetClient().HGetAll(ctx, orderCacheKey(orderID)).Result()
	if err != nil {
		if err != goredis.Nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("⚠️ Order cache read failed")
		}
		return nil, false
	}
	status, ok := domain.ParseStatus(fields["status"])
	if !ok {
		return nil, false
	}
	rec := &domain.OrderRecord{OrderID: orderID, Status: status, AccountID: fields["account_id"]}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, true
}

func (g *CachedOrderGateway) store(ctx context.Context, orderID string, status domain.Status, accountID string, at time.Time) {
	_, err := g.redis.RunScript(ctx, cacheStatusScriptName,
		[]string{orderCacheKey(orderID)},
		string(status), accountID, at.UnixMilli(), g.ttl.Milliseconds())
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("⚠️ Order cache write failed")
	}
}
