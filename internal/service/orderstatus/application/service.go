// internal/service/orderstatus/application/service.go
package application

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/service/orderstatus/classifier"
	"ordersync/internal/service/orderstatus/domain"
	"ordersync/internal/service/orderstatus/payload"
	"ordersync/internal/service/orderstatus/pending"
	"ordersync/internal/service/orderstatus/port"
	"ordersync/internal/service/orderstatus/resolver"
)

const (
	labelAutoDelivery = "auto delivery"
	labelBasicInfo    = "basic info saved"
)

// ReconciliationService 把市场通知对账成订单状态。
// 内存状态 (历史、待处理队列、聊天映射) 由 mu 保护，只在内存修改期间持有；
// 存储调用在 mu 之外进行，同一订单的 读取-校验-写入 由 locks 串行化。
// 加锁顺序固定为 订单锁 -> mu。
type ReconciliationService struct {
	gateway    domain.OrderGateway
	publishers []port.StatusEventPublisher
	classifier *classifier.Classifier
	tracer     trace.Tracer
	cfg        Config
	retry      retryPolicy
	now        func() time.Time

	mu      sync.Mutex
	history *domain.HistoryTracker
	queue   *pending.Queue
	chats   *resolver.ChatOrderMap

	locks *orderLocks
}

func NewReconciliationService(gateway domain.OrderGateway, cfg Config, opts ...Option) (*ReconciliationService, error) {
	if gateway == nil {
		return nil, errors.New("order gateway is required")
	}
	cfg = cfg.withDefaults()
	cls, err := classifier.NewClassifier(cfg.Rules)
	if err != nil {
		return nil, errors.Wrap(err, "compile classification rules")
	}

	s := &ReconciliationService{
		gateway:    gateway,
		classifier: cls,
		tracer:     defaultTracer(),
		cfg:        cfg,
		retry:      retryPolicy{attempts: cfg.Retry.Attempts, backoff: cfg.Retry.Backoff},
		now:        time.Now,
		locks:      newOrderLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.history = domain.NewHistoryTracker(cfg.HistoryLimit)
	s.queue = pending.NewQueue()
	s.chats = resolver.NewChatOrderMap(cfg.ChatMap.TTL, cfg.ChatMap.MaxPerAccount, s.now)
	return s, nil
}

func (s *ReconciliationService) Config() Config {
	return s.cfg
}

// HandleNotification 处理一条系统消息。发生了提交或延迟时返回 true。
func (s *ReconciliationService) HandleNotification(ctx context.Context, n Notification) bool {
	ctx, span := s.tracer.Start(ctx, "app.HandleNotification", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("account.id", n.AccountID))

	match, classified := s.classifier.Classify(n.Payload, n.Text)
	orderID, resolved := s.resolveOrderID(ctx, n)

	if !classified {
		notificationsTotal.WithLabelValues(string(pending.KindSystem), "unclassified").Inc()
		logger.Ctx(ctx).Debug().
			Str("account_id", n.AccountID).
			Str("text", n.Text).
			Msg("⚪ Unrecognized system message, status left untouched")
		// 本条消息不改状态，但解析出的订单 ID 仍可用来兑现之前挂起的通知
		if resolved {
			return s.OnOrderIDResolved(ctx, orderID, n.AccountID, n.Payload)
		}
		return false
	}

	span.SetAttributes(
		attribute.String("status.candidate", string(match.Status)),
		attribute.String("classifier.rule", match.Rule),
	)
	logger.Ctx(ctx).Info().
		Str("account_id", n.AccountID).
		Str("text", n.Text).
		Str("status", string(match.Status)).
		Str("rule", match.Rule).
		Msg("🔍 System message classified")

	return s.apply(ctx, pending.KindSystem, n, match.Status, orderID, resolved)
}

// HandleRedReminder 处理红色提醒，只有"交易关闭"会关闭订单
func (s *ReconciliationService) HandleRedReminder(ctx context.Context, n Notification) bool {
	ctx, span := s.tracer.Start(ctx, "app.HandleRedReminder", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("account.id", n.AccountID))

	status, ok := classifier.ClassifyRedReminder(n.Text)
	if !ok {
		notificationsTotal.WithLabelValues(string(pending.KindRedReminder), "ignored").Inc()
		return false
	}
	orderID, resolved := s.resolveOrderID(ctx, n)
	return s.apply(ctx, pending.KindRedReminder, n, status, orderID, resolved)
}

func (s *ReconciliationService) apply(ctx context.Context, kind pending.Kind, n Notification, status domain.Status, orderID string, resolved bool) bool {
	if !resolved {
		outcome := s.deferNotification(ctx, kind, n, status)
		notificationsTotal.WithLabelValues(string(kind), outcome.String()).Inc()
		return outcome.mutated()
	}

	// 先兑现该账号下挂起的通知，再提交本条
	resolvedPending := s.OnOrderIDResolved(ctx, orderID, n.AccountID, n.Payload)

	outcome, err := s.UpdateStatus(ctx, orderID, status, n.AccountID, n.label())
	notificationsTotal.WithLabelValues(string(kind), outcome.String()).Inc()
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", orderID).
			Str("account_id", n.AccountID).
			Str("text", n.Text).
			Str("outcome", outcome.String()).
			Msg("❌ Order status update failed")
	}
	return outcome.mutated() || resolvedPending
}

// resolveOrderID 先直接提取，失败再查聊天映射；命中后刷新映射
func (s *ReconciliationService) resolveOrderID(ctx context.Context, n Notification) (string, bool) {
	if id, ok := resolver.ExtractOrderID(n.Payload); ok {
		s.mu.Lock()
		s.chats.Remember(id, n.AccountID, n.Payload)
		s.mu.Unlock()
		return id, true
	}

	s.mu.Lock()
	id, ok := s.chats.Lookup(n.Payload, n.AccountID)
	if ok {
		s.chats.Remember(id, n.AccountID, n.Payload)
	}
	s.mu.Unlock()
	if ok {
		logger.Ctx(ctx).Info().
			Str("order_id", id).
			Str("account_id", n.AccountID).
			Msg("🔁 Order id matched from chat context")
	}
	return id, ok
}

// deferNotification 把拿不到订单 ID 的通知挂在占位 ID 下
func (s *ReconciliationService) deferNotification(ctx context.Context, kind pending.Kind, n Notification, status domain.Status) Outcome {
	if !s.cfg.UsePendingQueue {
		logger.Ctx(ctx).Warn().
			Str("account_id", n.AccountID).
			Str("text", n.Text).
			Msg("⏭️ No order id and pending queue disabled, notification skipped")
		return OutcomeSkipped
	}

	hash := n.Payload.Hash()
	now := s.now()
	placeholder := pending.NewPlaceholderID(now)

	s.mu.Lock()
	s.queue.Enqueue(placeholder, pending.Update{
		Status:    status,
		AccountID: n.AccountID,
		Context:   n.label() + " - awaiting order id",
		At:        now,
	})
	s.queue.AddNotification(n.AccountID, pending.Notification{
		Kind:          kind,
		Payload:       n.Payload,
		Hash:          hash,
		Text:          n.Text,
		Status:        status,
		PlaceholderID: placeholder,
		AccountID:     n.AccountID,
		ReceivedAt:    n.ReceivedAt,
		At:            now,
	})
	s.updateGaugesLocked()
	s.mu.Unlock()

	logger.Ctx(ctx).Info().
		Str("account_id", n.AccountID).
		Str("text", n.Text).
		Str("status", string(status)).
		Str("placeholder", placeholder).
		Msg("📝 No order id yet, notification queued")
	return OutcomeDeferred
}

type updateRequest struct {
	orderID   string
	status    domain.Status
	accountID string
	label     string
	// 重新入队时沿用最初的入队时间，避免定时 drain 让过期清理失效
	queuedAt time.Time
}

// UpdateStatus 校验并提交一次状态变更。
// 返回 OutcomeInvalid 时 error 包装 domain.ErrInvalidTransition，
// 返回 OutcomeFailed 时 error 包装 ErrStorageExhausted。
func (s *ReconciliationService) UpdateStatus(ctx context.Context, orderID string, status domain.Status, accountID, label string) (Outcome, error) {
	return s.commit(ctx, updateRequest{orderID: orderID, status: status, accountID: accountID, label: label})
}

// MarkShipped 自动发货完成后调用
func (s *ReconciliationService) MarkShipped(ctx context.Context, orderID, accountID, label string) (Outcome, error) {
	if label == "" {
		label = labelAutoDelivery
	}
	return s.UpdateStatus(ctx, orderID, domain.StatusShipped, accountID, label)
}

// MarkProcessing 订单基本信息保存后调用
func (s *ReconciliationService) MarkProcessing(ctx context.Context, orderID, accountID, label string) (Outcome, error) {
	if label == "" {
		label = labelBasicInfo
	}
	return s.UpdateStatus(ctx, orderID, domain.StatusProcessing, accountID, label)
}

func (s *ReconciliationService) commit(ctx context.Context, req updateRequest) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "app.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.orderID),
		attribute.String("status.target", string(req.status)),
	)

	outcome, err := s.doCommit(ctx, req)
	statusUpdatesTotal.WithLabelValues(outcome.String()).Inc()
	span.SetAttributes(attribute.String("status.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome.String())
	}
	return outcome, err
}

func (s *ReconciliationService) doCommit(ctx context.Context, req updateRequest) (Outcome, error) {
	if req.orderID == "" {
		return OutcomeInvalid, errors.New("empty order id")
	}
	if !req.status.Valid() {
		return OutcomeInvalid, errors.Wrapf(domain.ErrUnknownStatus, "order %s: %q", req.orderID, req.status)
	}

	unlock := s.locks.Lock(req.orderID)
	defer unlock()

	log := logger.Ctx(ctx).With().
		Str("order_id", req.orderID).
		Str("account_id", req.accountID).
		Logger()

	var rec *domain.OrderRecord
	err := s.retry.do(ctx, "get_order", req.orderID, func(ctx context.Context) error {
		r, err := s.gateway.GetOrder(ctx, req.orderID)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if errors.Is(err, domain.ErrOrderNotFound) || (err == nil && rec == nil) {
		if !s.cfg.UsePendingQueue {
			log.Warn().Str("status", string(req.status)).Msg("⏭️ Order not in store and pending queue disabled, update skipped")
			return OutcomeSkipped, nil
		}
		at := req.queuedAt
		if at.IsZero() {
			at = s.now()
		}
		s.mu.Lock()
		s.queue.Enqueue(req.orderID, pending.Update{
			Status:    req.status,
			AccountID: req.accountID,
			Context:   req.label,
			At:        at,
		})
		s.updateGaugesLocked()
		s.mu.Unlock()
		log.Info().Str("status", string(req.status)).Msg("📝 Order not in store yet, update queued")
		return OutcomeDeferred, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	current := rec.CurrentStatus()
	if current == req.status {
		log.Debug().Str("status", string(current)).Msg("⏭️ Status unchanged, skipping duplicate update")
		return OutcomeNoop, nil
	}

	if s.cfg.StrictValidation && !domain.CanTransition(current, req.status) {
		log.Warn().
			Str("from", string(current)).
			Str("to", string(req.status)).
			Interface("allowed", domain.AllowedNext(current)).
			Msg("❌ Status transition rejected")
		return OutcomeInvalid, errors.Wrapf(domain.ErrInvalidTransition, "order %s: %s -> %s", req.orderID, current, req.status)
	}

	target := req.status
	if req.status == domain.StatusRefundCancelled {
		s.mu.Lock()
		prev, ok := s.history.StatusBeforeRefund(req.orderID)
		if !ok {
			// 没有进入退款中的记录时退回最近一次提交的状态
			if latest, found := s.history.Latest(req.orderID); found {
				prev, ok = latest.To, true
			}
		}
		s.mu.Unlock()
		if ok {
			target = prev
		} else {
			target = current
		}
		log.Info().Str("from", string(current)).Str("to", string(target)).Msg("🔄 Refund withdrawn, rolling back to previous status")
		if target == current {
			return OutcomeNoop, nil
		}
		if s.cfg.StrictValidation && target == domain.StatusProcessing {
			return OutcomeInvalid, errors.Wrapf(domain.ErrInvalidTransition, "order %s: %s -> %s", req.orderID, current, target)
		}
	}

	err = s.retry.do(ctx, "upsert_order", req.orderID, func(ctx context.Context) error {
		return s.gateway.UpsertOrder(ctx, req.orderID, target, req.accountID)
	})
	if err != nil {
		return OutcomeFailed, err
	}

	at := s.now()
	s.mu.Lock()
	s.history.Record(req.orderID, current, target, req.label, at)
	s.mu.Unlock()

	if s.cfg.EnableStatusLogging {
		log.Info().
			Str("from", string(current)).
			Str("to", string(target)).
			Str("context", req.label).
			Msgf("✅ Order status updated to %s", target.Label())
	}
	s.publish(ctx, domain.NewStatusChanged(req.orderID, req.accountID, current, target, req.label, at))
	return OutcomeCommitted, nil
}

func (s *ReconciliationService) publish(ctx context.Context, event *domain.StatusChanged) {
	for _, p := range s.publishers {
		if err := p.PublishStatusChanged(ctx, event); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", event.OrderID).Msg("⚠️ Failed to publish status change event")
		}
	}
}

// OnOrderPersisted 订单已落库，提交该订单下排队的更新，返回成功应用的条数
func (s *ReconciliationService) OnOrderPersisted(ctx context.Context, orderID string) int {
	if !s.cfg.UsePendingQueue || orderID == "" {
		return 0
	}
	s.mu.Lock()
	updates := s.queue.Drain(orderID)
	s.updateGaugesLocked()
	s.mu.Unlock()
	if len(updates) == 0 {
		return 0
	}

	logger.Ctx(ctx).Info().Str("order_id", orderID).Int("updates", len(updates)).Msg("🔄 Applying queued status updates")
	applied := 0
	for _, u := range updates {
		outcome, err := s.commit(ctx, updateRequest{
			orderID:   orderID,
			status:    u.Status,
			accountID: u.AccountID,
			label:     u.Context,
			queuedAt:  u.At,
		})
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Str("status", string(u.Status)).Msg("❌ Queued status update failed")
			if outcome == OutcomeFailed {
				s.requeue(orderID, u)
			}
			continue
		}
		if outcome == OutcomeCommitted || outcome == OutcomeNoop {
			applied++
		}
	}
	return applied
}

// OnOrderIDResolved 某账号解析出了订单 ID，取出一条挂起的通知按该订单提交。
// p 可选，提供时优先按结构哈希匹配。
func (s *ReconciliationService) OnOrderIDResolved(ctx context.Context, orderID, accountID string, p payload.Node) bool {
	if orderID == "" || accountID == "" {
		return false
	}
	hash := ""
	if !p.IsZero() {
		hash = p.Hash()
	}

	s.mu.Lock()
	if !p.IsZero() {
		s.chats.Remember(orderID, accountID, p)
	}
	if !s.cfg.UsePendingQueue || !s.queue.HasNotifications(accountID) {
		s.mu.Unlock()
		return false
	}
	pn, ok := s.queue.MatchNotification(accountID, hash)
	s.updateGaugesLocked()
	s.mu.Unlock()
	if !ok {
		return false
	}

	logger.Ctx(ctx).Info().
		Str("order_id", orderID).
		Str("account_id", accountID).
		Str("text", pn.Text).
		Str("kind", string(pn.Kind)).
		Str("placeholder", pn.PlaceholderID).
		Bool("hash_match", hash != "" && pn.Hash == hash).
		Msg("🔗 Deferred notification matched to order")

	label := pn.Text
	if !pn.ReceivedAt.IsZero() {
		label += " - " + pn.ReceivedAt.Format(time.DateTime)
	}
	outcome, err := s.commit(ctx, updateRequest{
		orderID:   orderID,
		status:    pn.Status,
		accountID: accountID,
		label:     label + " - deferred",
		queuedAt:  pn.At,
	})
	notificationsTotal.WithLabelValues(string(pn.Kind), "resolved_"+outcome.String()).Inc()
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Str("text", pn.Text).Msg("❌ Deferred notification commit failed")
	}
	if outcome == OutcomeFailed {
		// 通知已从挂起列表取出，存储不可用时改挂到真实订单下，等 DrainAll 重放
		s.requeue(orderID, pending.Update{
			Status:    pn.Status,
			AccountID: accountID,
			Context:   label + " - deferred",
			At:        pn.At,
		})
	}
	return outcome.mutated()
}

// requeue 把存储重试耗尽的更新放回队列，保留原始入队时间
func (s *ReconciliationService) requeue(orderID string, u pending.Update) {
	if u.At.IsZero() {
		u.At = s.now()
	}
	s.mu.Lock()
	s.queue.Enqueue(orderID, u)
	s.updateGaugesLocked()
	s.mu.Unlock()
}

// DrainAll 对所有真实订单 ID 重放排队的更新，返回至少成功一条的订单数。
// 占位 ID 只能通过 OnOrderIDResolved 兑现。
func (s *ReconciliationService) DrainAll(ctx context.Context) int {
	if !s.cfg.UsePendingQueue {
		return 0
	}
	s.mu.Lock()
	ids := s.queue.OrderIDs()
	s.mu.Unlock()

	drained := 0
	for _, id := range ids {
		if pending.IsPlaceholder(id) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if s.OnOrderPersisted(ctx, id) > 0 {
			drained++
		}
	}
	return drained
}

// SweepExpired 清理超过 maxAge 的排队更新、挂起通知和过期聊天映射
func (s *ReconciliationService) SweepExpired(maxAge time.Duration) pending.SweepStats {
	if !s.cfg.UsePendingQueue {
		return pending.SweepStats{}
	}
	if maxAge <= 0 {
		maxAge = s.cfg.MaxPendingAge
	}
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	stats := s.queue.Sweep(cutoff)
	purged := s.chats.Purge()
	s.updateGaugesLocked()
	s.mu.Unlock()

	if stats.Total() > 0 || purged > 0 {
		logger.Ctx(context.Background()).Info().
			Int("updates", stats.Updates).
			Int("orders", stats.Orders).
			Int("notifications", stats.Notifications).
			Int("chat_mappings", purged).
			Dur("max_age", maxAge).
			Msg("🧹 Expired pending entries swept")
	}
	return stats
}

// PendingCount 有排队更新的订单 ID 数 (含占位 ID)
func (s *ReconciliationService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *ReconciliationService) PendingNotificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.NotificationCount()
}

// History 返回订单最近的状态变更记录
func (s *ReconciliationService) History(orderID string) []domain.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Entries(orderID)
}

func (s *ReconciliationService) updateGaugesLocked() {
	pendingOrdersGauge.Set(float64(s.queue.Len()))
	pendingNotificationsGauge.Set(float64(s.queue.NotificationCount()))
}
