package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// KafkaPublisher writes events to one topic, keyed by entity id so all events
// of a job land on the same partition in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher dials the brokers with a synchronous producer.
func NewKafkaPublisher(brokers []string, topic, clientID string, logger *zap.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka publisher initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewKafkaPublisherWithProducer(producer, topic, logger), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) {
	tracer := otel.Tracer("mes-events")
	ctx, span := tracer.Start(ctx, "kafka.publish "+evt.Type,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", p.topic),
			attribute.String("event.type", evt.Type),
			attribute.String("event.id", evt.ID),
			attribute.String("tenant.id", evt.TenantID),
		),
	)
	defer span.End()

	body, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal event")
		p.logger.Error("Failed to marshal event", zap.String("type", evt.Type), zap.Error(err))
		return
	}

	// trace context travels in the headers
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []sarama.RecordHeader{
		{Key: []byte("event_type"), Value: []byte(evt.Type)},
		{Key: []byte("event_id"), Value: []byte(evt.ID)},
		{Key: []byte("tenant_id"), Value: []byte(evt.TenantID)},
	}
	for key, value := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(evt.EntityID),
		Value:   sarama.ByteEncoder(body),
		Headers: headers,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send message")
		p.logger.Error("Failed to publish event",
			zap.String("type", evt.Type),
			zap.String("entity_id", evt.EntityID),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.Error(err),
		)
		return
	}

	span.SetAttributes(
		attribute.Int("messaging.kafka.partition", int(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	span.SetStatus(codes.Ok, "")
	p.logger.Debug("Event published",
		zap.String("type", evt.Type),
		zap.String("entity_id", evt.EntityID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
}

func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
