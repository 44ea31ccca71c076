package application

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/internal/service/orderstatus/classifier"
	"ordersync/internal/service/orderstatus/domain"
	"ordersync/internal/service/orderstatus/payload"
)

// fakeGateway 内存实现，可注入失败
type fakeGateway struct {
	mu             sync.Mutex
	orders         map[string]*domain.OrderRecord
	getFailures    int
	upsertFailures int
	getCalls       int
	upsertCalls    int
	written        []domain.Status
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{orders: make(map[string]*domain.OrderRecord)}
}

func (g *fakeGateway) put(orderID string, status domain.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[orderID] = &domain.OrderRecord{OrderID: orderID, Status: status}
}

func (g *fakeGateway) status(orderID string) domain.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.orders[orderID]; ok {
		return rec.Status
	}
	return ""
}

func (g *fakeGateway) GetOrder(_ context.Context, orderID string) (*domain.OrderRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	if g.getFailures > 0 {
		g.getFailures--
		return nil, errors.New("connection reset")
	}
	rec, ok := g.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *rec
	return &cp, nil
}

func (g *fakeGateway) UpsertOrder(_ context.Context, orderID string, status domain.Status, accountID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertCalls++
	if g.upsertFailures > 0 {
		g.upsertFailures--
		return errors.New("deadlock found")
	}
	g.orders[orderID] = &domain.OrderRecord{OrderID: orderID, Status: status, AccountID: accountID}
	g.written = append(g.written, status)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.StatusChanged
}

func (p *recordingPublisher) PublishStatusChanged(_ context.Context, e *domain.StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *ReconciliationService
	gw    *fakeGateway
	pub   *recordingPublisher
	clock *testClock
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Retry.Backoff = time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		gw:    newFakeGateway(),
		pub:   &recordingPublisher{},
		clock: &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	svc, err := NewReconciliationService(f.gw, cfg, WithClock(f.clock.Now), WithPublisher(f.pub))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func cardPayload(t *testing.T, content map[string]any, m1 map[string]any) payload.Node {
	t.Helper()
	if m1 == nil {
		m1 = map[string]any{}
	}
	if content != nil {
		raw, err := json.Marshal(content)
		require.NoError(t, err)
		m1["6"] = map[string]any{"3": map[string]any{"5": string(raw)}}
	}
	return payload.New(map[string]any{"1": m1})
}

func orderCard(t *testing.T, orderID string) payload.Node {
	return cardPayload(t, map[string]any{
		"dxCard": map[string]any{"item": map[string]any{"main": map[string]any{
			"targetUrl": "fleamarket://order_detail?id=" + orderID,
		}}},
	}, nil)
}

func notification(account, text string, p payload.Node) Notification {
	return Notification{
		AccountID:  account,
		Text:       text,
		Payload:    p,
		ReceivedAt: time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC),
	}
}

func TestHandleNotification_ShippedScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("12345", domain.StatusPendingShip)

	require.True(t, f.svc.HandleNotification(ctx, notification("acc1", "[你已发货]", orderCard(t, "12345"))))

	assert.Equal(t, domain.StatusShipped, f.gw.status("12345"))
	history := f.svc.History("12345")
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusPendingShip, history[0].From)
	assert.Equal(t, domain.StatusShipped, history[0].To)
	assert.Equal(t, "[你已发货] - 2025-03-01 11:59:00", history[0].Context)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, "已发货", f.pub.events[0].ToLabel)
}

func TestHandleNotification_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("12345", domain.StatusShipped)

	n := notification("acc1", "[你已发货]", orderCard(t, "12345"))
	assert.False(t, f.svc.HandleNotification(ctx, n))
	assert.False(t, f.svc.HandleNotification(ctx, n))

	assert.Empty(t, f.svc.History("12345"))
	assert.Zero(t, f.gw.upsertCalls)
}

func TestRedReminder_DeferredThenResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("12345", domain.StatusPendingShip)

	noID := payload.New(map[string]any{"1": map[string]any{"2": "sess-1.PNM"}})
	require.True(t, f.svc.HandleRedReminder(ctx, notification("acc1", "交易关闭", noID)))
	assert.Equal(t, 1, f.svc.PendingCount())
	assert.Equal(t, 1, f.svc.PendingNotificationCount())
	assert.Equal(t, domain.StatusPendingShip, f.gw.status("12345"))

	// 后续同账号消息解析出订单 ID，兑现挂起的交易关闭
	require.True(t, f.svc.HandleNotification(ctx, notification("acc1", "[有新消息]", orderCard(t, "12345"))))

	assert.Equal(t, domain.StatusCancelled, f.gw.status("12345"))
	assert.Equal(t, 0, f.svc.PendingCount())
	assert.Equal(t, 0, f.svc.PendingNotificationCount())
	history := f.svc.History("12345")
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Context, "deferred")
}

func TestRedReminder_IgnoresOtherText(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.HandleRedReminder(context.Background(), notification("acc1", "等待买家付款", orderCard(t, "1"))))
	assert.Equal(t, 0, f.svc.PendingCount())
}

func TestRefundWithdrawn_RestoresPreviousStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("12345", domain.StatusPendingShip)

	outcome, err := f.svc.UpdateStatus(ctx, "12345", domain.StatusRefunding, "acc1", "refund requested")
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, outcome)

	card := cardPayload(t, map[string]any{
		"dxCard": map[string]any{"item": map[string]any{"main": map[string]any{
			"targetUrl": "fleamarket://order_detail?id=12345",
		}}},
		"dynamicOperation": map[string]any{"changeContent": map[string]any{
			"dxCard": map[string]any{"item": map[string]any{"main": map[string]any{
				"exContent": map[string]any{"title": "我发起了退款申请", "button": map[string]any{"text": "已撤销"}},
			}}},
		}},
	}, nil)
	require.True(t, f.svc.HandleNotification(ctx, notification("acc1", "[我发起了退款申请]", card)))

	assert.Equal(t, domain.StatusPendingShip, f.gw.status("12345"))
	assert.NotContains(t, f.gw.written, domain.StatusRefundCancelled)
	history := f.svc.History("12345")
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusRefunding, history[1].From)
	assert.Equal(t, domain.StatusPendingShip, history[1].To)
}

func TestRefundWithdrawn_WithoutHistoryIsNoop(t *testing.T) {
	f := newFixture(t)
	f.gw.put("9", domain.StatusRefunding)

	outcome, err := f.svc.UpdateStatus(context.Background(), "9", domain.StatusRefundCancelled, "acc1", "withdrawn")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, domain.StatusRefunding, f.gw.status("9"))
	assert.Zero(t, f.gw.upsertCalls)
}

func TestRefundWithdrawn_FallsBackToLatestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("8", domain.StatusShipped)

	outcome, err := f.svc.UpdateStatus(ctx, "8", domain.StatusCompleted, "acc1", "confirmed")
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, outcome)

	// 退款中由外部写入，本地历史里没有进入退款中的记录
	f.gw.put("8", domain.StatusRefunding)

	outcome, err = f.svc.UpdateStatus(ctx, "8", domain.StatusRefundCancelled, "acc1", "withdrawn")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.Equal(t, domain.StatusCompleted, f.gw.status("8"))

	history := f.svc.History("8")
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusRefunding, history[1].From)
	assert.Equal(t, domain.StatusCompleted, history[1].To)
}

func TestResolvedNotification_RequeuedWhenStorageExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("777", domain.StatusPendingShip)

	noID := payload.New(map[string]any{"1": map[string]any{"2": "sess-7.PNM"}})
	require.True(t, f.svc.HandleRedReminder(ctx, notification("acc1", "交易关闭", noID)))
	require.Equal(t, 1, f.svc.PendingNotificationCount())

	f.gw.getFailures = 3
	assert.False(t, f.svc.OnOrderIDResolved(ctx, "777", "acc1", payload.Node{}))
	assert.Equal(t, domain.StatusPendingShip, f.gw.status("777"))
	assert.Equal(t, 0, f.svc.PendingNotificationCount())
	assert.Equal(t, 1, f.svc.PendingCount())

	assert.Equal(t, 1, f.svc.DrainAll(ctx))
	assert.Equal(t, domain.StatusCancelled, f.gw.status("777"))
	assert.Equal(t, 0, f.svc.PendingCount())
	history := f.svc.History("777")
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Context, "deferred")
}

func TestOnOrderPersisted_RequeuesFailedUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.svc.MarkShipped(ctx, "55", "acc1", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome)

	f.gw.put("55", domain.StatusPendingShip)
	f.gw.upsertFailures = 3
	assert.Equal(t, 0, f.svc.OnOrderPersisted(ctx, "55"))
	assert.Equal(t, 1, f.svc.PendingCount())

	assert.Equal(t, 1, f.svc.OnOrderPersisted(ctx, "55"))
	assert.Equal(t, domain.StatusShipped, f.gw.status("55"))
	assert.Equal(t, 0, f.svc.PendingCount())
}

func TestUpdateStatus_CancelledIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("1", domain.StatusCancelled)

	for _, next := range []domain.Status{
		domain.StatusProcessing, domain.StatusPendingShip, domain.StatusShipped,
		domain.StatusCompleted, domain.StatusRefunding, domain.StatusRefundCancelled,
	} {
		outcome, err := f.svc.UpdateStatus(ctx, "1", next, "acc1", "test")
		assert.Equal(t, OutcomeInvalid, outcome, next)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition), next)
	}
	assert.Equal(t, domain.StatusCancelled, f.gw.status("1"))
	assert.Empty(t, f.svc.History("1"))
	assert.Zero(t, f.gw.upsertCalls)
}

func TestUpdateStatus_NeverBackToProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, from := range []domain.Status{domain.StatusPendingShip, domain.StatusShipped, domain.StatusCompleted, domain.StatusRefunding} {
		f.gw.put("o", from)
		outcome, err := f.svc.MarkProcessing(ctx, "o", "acc1", "")
		assert.Equal(t, OutcomeInvalid, outcome, from)
		assert.Error(t, err)
		assert.Equal(t, from, f.gw.status("o"))
	}
}

func TestUpdateStatus_NonStrictAllowsAnyTransition(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StrictValidation = false })
	f.gw.put("o", domain.StatusCompleted)

	outcome, err := f.svc.UpdateStatus(context.Background(), "o", domain.StatusShipped, "acc1", "manual")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
}

func TestUpdateStatus_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("o", domain.StatusPendingShip)
	f.gw.getFailures = 2
	f.gw.upsertFailures = 2

	outcome, err := f.svc.MarkShipped(ctx, "o", "acc1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, outcome)
	assert.Equal(t, 3, f.gw.getCalls)
	assert.Equal(t, 3, f.gw.upsertCalls)
	assert.Equal(t, "auto delivery", f.svc.History("o")[0].Context)
}

func TestUpdateStatus_ExhaustedRetries(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		f := newFixture(t)
		f.gw.put("o", domain.StatusPendingShip)
		f.gw.getFailures = 3

		outcome, err := f.svc.UpdateStatus(context.Background(), "o", domain.StatusShipped, "acc1", "x")
		assert.Equal(t, OutcomeFailed, outcome)
		assert.True(t, errors.Is(err, ErrStorageExhausted))
		assert.Equal(t, 3, f.gw.getCalls)
		assert.Zero(t, f.gw.upsertCalls)
	})
	t.Run("write", func(t *testing.T) {
		f := newFixture(t)
		f.gw.put("o", domain.StatusPendingShip)
		f.gw.upsertFailures = 3

		outcome, err := f.svc.UpdateStatus(context.Background(), "o", domain.StatusShipped, "acc1", "x")
		assert.Equal(t, OutcomeFailed, outcome)
		assert.True(t, errors.Is(err, ErrStorageExhausted))
		assert.Equal(t, domain.StatusPendingShip, f.gw.status("o"))
		assert.Empty(t, f.svc.History("o"))
		assert.Empty(t, f.pub.events)
	})
}

func TestUpdateStatus_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.svc.UpdateStatus(context.Background(), "o", domain.Status("paid"), "acc1", "x")
	assert.Equal(t, OutcomeInvalid, outcome)
	assert.True(t, errors.Is(err, domain.ErrUnknownStatus))
}

func TestOrderNotFound_DeferredUntilPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.svc.HandleNotification(ctx, notification("acc1", "[买家已付款]", orderCard(t, "555"))))
	assert.Equal(t, 1, f.svc.PendingCount())
	assert.Equal(t, 1, f.gw.getCalls, "not found is not retried")

	assert.Equal(t, 0, f.svc.OnOrderPersisted(ctx, "unknown"))

	f.gw.put("555", domain.StatusProcessing)
	assert.Equal(t, 1, f.svc.OnOrderPersisted(ctx, "555"))
	assert.Equal(t, domain.StatusPendingShip, f.gw.status("555"))
	assert.Equal(t, 0, f.svc.PendingCount())

	// 再次触发不会重复提交
	assert.Equal(t, 0, f.svc.OnOrderPersisted(ctx, "555"))
	assert.Len(t, f.svc.History("555"), 1)
}

func TestDrainAll_SkipsPlaceholders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.svc.HandleRedReminder(ctx, notification("acc1", "交易关闭", payload.New(nil))))
	_, err := f.svc.UpdateStatus(ctx, "a", domain.StatusShipped, "acc1", "x")
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, "b", domain.StatusShipped, "acc1", "x")
	require.NoError(t, err)
	assert.Equal(t, 3, f.svc.PendingCount())

	f.gw.put("a", domain.StatusPendingShip)
	assert.Equal(t, 1, f.svc.DrainAll(ctx))
	assert.Equal(t, domain.StatusShipped, f.gw.status("a"))
	// b 仍不存在，重新入队；占位 ID 保留
	assert.Equal(t, 2, f.svc.PendingCount())
}

func TestOnOrderIDResolved_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("777", domain.StatusShipped)

	require.True(t, f.svc.HandleRedReminder(ctx, notification("acc1", "交易关闭", payload.New(nil))))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.svc.OnOrderIDResolved(ctx, "777", "acc1", payload.Node{}) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, 1, f.gw.upsertCalls)
	assert.Equal(t, domain.StatusCancelled, f.gw.status("777"))
	assert.Equal(t, 0, f.svc.PendingCount())
}

func TestOnOrderIDResolved_PrefersHashMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("42", domain.StatusPendingShip)

	first := payload.New(map[string]any{"1": map[string]any{"2": "a"}})
	second := payload.New(map[string]any{"1": map[string]any{"2": "b"}})
	require.True(t, f.svc.HandleNotification(ctx, notification("acc1", "[你已发货]", first)))
	require.True(t, f.svc.HandleNotification(ctx, notification("acc1", "[买家确认收货，交易成功]", second)))
	require.Equal(t, 2, f.svc.PendingNotificationCount())

	require.True(t, f.svc.OnOrderIDResolved(ctx, "42", "acc1", second))
	assert.Equal(t, domain.StatusCompleted, f.gw.status("42"))
	assert.Equal(t, 1, f.svc.PendingNotificationCount())
}

func TestChatContextFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.put("888", domain.StatusPendingShip)

	first := orderCard(t, "888")
	first.Get("1").Raw().(map[string]any)["2"] = "chat-1.PNM"
	require.False(t, f.svc.HandleNotification(ctx, notification("acc1", "[有新消息]", first)))

	// 同一会话的后续消息没有订单 ID，靠聊天映射找到
	second := payload.New(map[string]any{"1": map[string]any{"2": "chat-1"}})
	require.True(t, f.svc.HandleNotification(ctx, notification("acc1", "[你已发货]", second)))
	assert.Equal(t, domain.StatusShipped, f.gw.status("888"))

	// 其他账号不共享映射
	require.True(t, f.svc.HandleNotification(ctx, notification("acc2", "[你已发货]", second)))
	assert.Equal(t, 1, f.svc.PendingNotificationCount())
}

func TestUnclassifiedNotificationIsDropped(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.HandleNotification(context.Background(), notification("acc1", "[你有一条新消息]", payload.New(nil))))
	assert.Equal(t, 0, f.svc.PendingCount())
	assert.Equal(t, 0, f.svc.PendingNotificationCount())
}

func TestPendingQueueDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.UsePendingQueue = false })
	ctx := context.Background()

	assert.False(t, f.svc.HandleRedReminder(ctx, notification("acc1", "交易关闭", payload.New(nil))))
	outcome, err := f.svc.UpdateStatus(ctx, "missing", domain.StatusShipped, "acc1", "x")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, f.svc.PendingCount())
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.svc.HandleRedReminder(ctx, notification("acc1", "交易关闭", payload.New(nil))))
	_, err := f.svc.UpdateStatus(ctx, "x", domain.StatusShipped, "acc1", "x")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	stats := f.svc.SweepExpired(24 * time.Hour)
	assert.Zero(t, stats.Total())

	f.clock.Advance(24 * time.Hour)
	stats = f.svc.SweepExpired(0)
	assert.Equal(t, 2, stats.Updates)
	assert.Equal(t, 1, stats.Notifications)
	assert.Equal(t, 0, f.svc.PendingCount())
	assert.Equal(t, 0, f.svc.PendingNotificationCount())
}

func TestNewReconciliationService_InvalidRule(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewReconciliationService(nil, cfg)
	assert.Error(t, err)

	cfg.Rules = []classifier.RuleConfig{{Name: "broken", Expr: "text.(", Status: "shipped"}}
	_, err = NewReconciliationService(newFakeGateway(), cfg)
	assert.Error(t, err)
}
