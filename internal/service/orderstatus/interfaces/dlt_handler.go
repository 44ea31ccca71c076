package interfaces

import (
	"context"

	"github.com/segmentio/kafka-go"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/pkg/mq"
)

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	reader *kafka.Reader
}

func NewDltConsumerAdapter(reader *kafka.Reader) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader}
}

func (a *DltConsumerAdapter) Run(ctx context.Context) error {
	topic := a.reader.Config().Topic
	logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ DLT Consumer Adapter started.")
	defer func() {
		_ = a.reader.Close()
		logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ DLT Consumer Adapter stopped.")
	}()

	for {
		msg, err := a.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not read dead letter, retrying")
			continue
		}
		// ReadMessage 在消费组模式下自动提交，死信只需记录
		logDeadLetter(ctx, msg)
	}
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_fqcn", headers[mq.HeaderExceptionFqcn]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 Dead letter notification received")
}
