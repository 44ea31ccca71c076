package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"ordersync/internal/pkg/logger"
)

// 死信消息上附加的原始位置和异常信息
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// FailureHandler 把处理失败的消息转发到死信主题
type FailureHandler struct {
	dlt MessageWriter
}

func NewFailureHandler(dlt MessageWriter) *FailureHandler {
	return &FailureHandler{dlt: dlt}
}

// Handle 转发失败消息，返回 false 表示死信也写失败了
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) bool {
	l := logger.Ctx(ctx)
	if h == nil || h.dlt == nil {
		l.Error().Err(cause).Str("topic", msg.Topic).Int64("offset", msg.Offset).
			Msg("❌ Message processing failed and no dead letter topic is configured")
		return false
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)
	dead := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: InjectTraceContext(ctx, headers)}

	if err := h.dlt.WriteMessages(ctx, dead); err != nil {
		l.Error().Err(err).AnErr("cause", cause).Str("topic", msg.Topic).
			Msg("❌ Failed to forward message to dead letter topic")
		return false
	}
	l.Warn().Err(cause).Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
		Msg("☠️ Message forwarded to dead letter topic")
	return true
}
