package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/pkg/mq"
	"ordersync/internal/service/orderstatus/application"
	"ordersync/internal/service/orderstatus/payload"
)

// 通知信封的 type 字段
const (
	EnvelopeSystem          = "system"
	EnvelopeRedReminder     = "red_reminder"
	EnvelopeOrderPersisted  = "order_persisted"
	EnvelopeOrderIDResolved = "order_id_resolved"
)

var (
	ErrUnknownEnvelope = errors.New("unknown notification envelope type")
	ErrInvalidEnvelope = errors.New("invalid notification envelope")
)

// NotificationEnvelope 是 marketplace-notifications 主题上的消息格式
type NotificationEnvelope struct {
	Type       string          `json:"type"`
	AccountID  string          `json:"account_id"`
	Text       string          `json:"text,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at,omitempty"`
}

// NotificationConsumerAdapter 是一个驱动适配器，它监听Kafka消息并驱动对账引擎。
type NotificationConsumerAdapter struct {
	reader         *kafka.Reader
	svc            *application.ReconciliationService
	failureHandler *mq.FailureHandler
	tracer         trace.Tracer
}

func NewNotificationConsumerAdapter(reader *kafka.Reader, svc *application.ReconciliationService, failureHandler *mq.FailureHandler) *NotificationConsumerAdapter {
	return &NotificationConsumerAdapter{
		reader:         reader,
		svc:            svc,
		failureHandler: failureHandler,
		tracer:         otel.Tracer("ordersync/notification-consumer"),
	}
}

// Run 持续消费直到 ctx 取消。处理失败的消息转入死信后照常提交 offset。
func (a *NotificationConsumerAdapter) Run(ctx context.Context) error {
	topic := a.reader.Config().Topic
	logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ Notification consumer started")
	defer func() {
		if err := a.reader.Close(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to close notification reader")
		}
		logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ Notification consumer stopped")
	}()

	for {
		// FetchMessage 而不是 ReadMessage，offset 由我们显式提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Notification consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not read message, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg)
		if err := a.processMessage(msgCtx, msg); err != nil {
			a.failureHandler.Handle(msgCtx, msg, err)
		}

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit messages")
		}
	}
}

// processMessage 解码信封并分发给引擎，只有消息本身有问题时才返回错误
func (a *NotificationConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	ctx, span := a.tracer.Start(ctx, "kafka.ProcessNotification",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		))
	defer span.End()
	ctx = logger.WithTraceID(ctx)

	var env NotificationEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		span.RecordError(err)
		return errors.Wrap(ErrInvalidEnvelope, err.Error())
	}
	span.SetAttributes(attribute.String("notification.type", env.Type))
	return a.dispatch(ctx, env, msg.Time)
}

func (a *NotificationConsumerAdapter) dispatch(ctx context.Context, env NotificationEnvelope, msgTime time.Time) error {
	var p payload.Node
	if len(env.Payload) > 0 {
		var err error
		if p, err = payload.Parse(env.Payload); err != nil {
			return errors.Wrap(ErrInvalidEnvelope, "payload: "+err.Error())
		}
	}
	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = msgTime
	}
	n := application.Notification{AccountID: env.AccountID, Text: env.Text, Payload: p, ReceivedAt: receivedAt}

	switch env.Type {
	case EnvelopeSystem:
		if env.AccountID == "" {
			return errors.Wrap(ErrInvalidEnvelope, "account_id is required")
		}
		a.svc.HandleNotification(ctx, n)
	case EnvelopeRedReminder:
		if env.AccountID == "" {
			return errors.Wrap(ErrInvalidEnvelope, "account_id is required")
		}
		a.svc.HandleRedReminder(ctx, n)
	case EnvelopeOrderPersisted:
		if env.OrderID == "" {
			return errors.Wrap(ErrInvalidEnvelope, "order_id is required")
		}
		a.svc.OnOrderPersisted(ctx, env.OrderID)
	case EnvelopeOrderIDResolved:
		if env.OrderID == "" || env.AccountID == "" {
			return errors.Wrap(ErrInvalidEnvelope, "order_id and account_id are required")
		}
		a.svc.OnOrderIDResolved(ctx, env.OrderID, env.AccountID, p)
	default:
		return errors.Wrap(ErrUnknownEnvelope, env.Type)
	}
	return nil
}
