package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ordersync/internal/pkg/mq"
	"ordersync/internal/service/orderstatus/domain"
)

// StatusEventKafkaAdapter 实现了 port.StatusEventPublisher，把状态变更写入 Kafka。
// 以订单号作为 key，同一订单的事件落在同一分区保持顺序。
type StatusEventKafkaAdapter struct {
	writer mq.MessageWriter
	topic  string
	tracer trace.Tracer
}

func NewStatusEventKafkaAdapter(writer mq.MessageWriter, topic string) *StatusEventKafkaAdapter {
	return &StatusEventKafkaAdapter{writer: writer, topic: topic, tracer: otel.Tracer("ordersync/status-events")}
}

func (a *StatusEventKafkaAdapter) PublishStatusChanged(ctx context.Context, event *domain.StatusChanged) error {
	ctx, span := a.tracer.Start(ctx, "kafka.PublishStatusChanged",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", a.topic),
			attribute.String("order.id", event.OrderID),
			attribute.String("order.status", string(event.To)),
		))
	defer span.End()

	eventBytes, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal status changed event: %w", err)
	}
	if err := mq.ProduceMessage(ctx, a.writer, []byte(event.OrderID), eventBytes); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
