package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uzpay/gateway-service/internal/models"
)

// EventPublisher announces payment state changes to downstream
// consumers (accounting, analytics). Publish failures are logged, never
// surfaced to the gateway.
type EventPublisher interface {
	PublishStateChange(ctx context.Context, orderID string, from, to models.PaymentStatus) error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers),
			Topic:    "payment.state.changed",
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *KafkaPublisher) PublishStateChange(ctx context.Context, orderID string, from, to models.PaymentStatus) error {
	event := map[string]any{
		"order_id":        orderID,
		"status":          to,
		"previous_status": from,
		"timestamp":       time.Now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(orderID),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
