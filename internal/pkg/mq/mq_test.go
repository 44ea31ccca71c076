package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func headerMap(hs []kafka.Header) map[string]string {
	m := make(map[string]string, len(hs))
	for _, h := range hs {
		m[h.Key] = string(h.Value)
	}
	return m
}

func TestKafkaHeaderCarrier(t *testing.T) {
	c := KafkaHeaderCarrier{{Key: "a", Value: []byte("1")}}
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Equal(t, "3", c.Get("a"))
	assert.Equal(t, "2", c.Get("b"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"a", "b"}, c.Keys())
}

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	w := &captureWriter{}
	require.NoError(t, ProduceMessage(ctx, w, []byte("k"), []byte("v")))
	require.Len(t, w.msgs, 1)
	assert.Contains(t, headerMap(w.msgs[0].Headers), "traceparent")

	got := ExtractTraceContext(context.Background(), w.msgs[0])
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(got).TraceID())
}

func TestFailureHandler_ForwardsWithOrigin(t *testing.T) {
	w := &captureWriter{}
	h := NewFailureHandler(w)
	msg := kafka.Message{Topic: "in", Partition: 2, Offset: 42, Key: []byte("acc1"), Value: []byte("{bad")}

	ok := h.Handle(context.Background(), msg, errors.New("decode failed"))
	require.True(t, ok)
	require.Len(t, w.msgs, 1)

	dead := w.msgs[0]
	assert.Equal(t, []byte("acc1"), dead.Key)
	assert.Equal(t, []byte("{bad"), dead.Value)
	hs := headerMap(dead.Headers)
	assert.Equal(t, "in", hs[HeaderOriginalTopic])
	assert.Equal(t, "2", hs[HeaderOriginalPartition])
	assert.Equal(t, "42", hs[HeaderOriginalOffset])
	assert.Equal(t, "decode failed", hs[HeaderExceptionMessage])
	assert.NotEmpty(t, hs[HeaderExceptionFqcn])
}

func TestFailureHandler_WriteError(t *testing.T) {
	h := NewFailureHandler(&captureWriter{err: errors.New("broker down")})
	assert.False(t, h.Handle(context.Background(), kafka.Message{Topic: "in"}, errors.New("x")))

	var nilHandler *FailureHandler
	assert.False(t, nilHandler.Handle(context.Background(), kafka.Message{Topic: "in"}, errors.New("x")))
}
