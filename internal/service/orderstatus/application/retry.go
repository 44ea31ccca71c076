package application

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/service/orderstatus/domain"
)

// ErrStorageExhausted 存储调用在重试次数用完后仍失败
var ErrStorageExhausted = errors.New("storage retries exhausted")

// retryPolicy 固定次数重试，第 n 次失败后等待 backoff*n
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// do 执行 fn 直到成功或次数用完。订单不存在不是瞬时错误，直接返回。
func (r retryPolicy) do(ctx context.Context, op, orderID string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrOrderNotFound) {
			return err
		}
		lastErr = err
		storageFailures.WithLabelValues(op).Inc()
		logger.Ctx(ctx).Warn().Err(err).
			Str("op", op).
			Str("order_id", orderID).
			Int("attempt", attempt).
			Int("max_attempts", r.attempts).
			Msg("⚠️ Storage call failed")

		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s %s: backoff interrupted", op, orderID)
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}
	return errors.Wrapf(ErrStorageExhausted, "%s %s after %d attempts: %v", op, orderID, r.attempts, lastErr)
}
