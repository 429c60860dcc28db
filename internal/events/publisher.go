// Package events публикует события смены статуса заказа в Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

// EventOrderStatusChanged задаёт тип события в заголовке x-event-type.
const EventOrderStatusChanged = "order.status_changed"

// StatusChanged описывает применённый переход статуса заказа.
type StatusChanged struct {
	OrderID     int64             `json:"orderId"`
	OrderNumber string            `json:"orderNumber"`
	From        model.OrderStatus `json:"from"`
	To          model.OrderStatus `json:"to"`
	Source      string            `json:"source"`
	At          time.Time         `json:"at"`
}

type envelope struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Version int           `json:"version"`
	Payload StatusChanged `json:"payload"`
}

// Publisher публикует события заказов. Ошибки публикации не влияют на переход статуса.
type Publisher interface {
	StatusChanged(ctx context.Context, ev StatusChanged)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher пишет события асинхронно, ключ сообщения равен номеру заказа.
type KafkaPublisher struct {
	w      messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher создаёт публикатора для топика.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("publish order events", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	return &KafkaPublisher{w: w, logger: logger}
}

// StatusChanged публикует событие перехода статуса.
func (p *KafkaPublisher) StatusChanged(ctx context.Context, ev StatusChanged) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	value, err := json.Marshal(envelope{
		ID:      uuid.NewString(),
		Type:    EventOrderStatusChanged,
		Version: 1,
		Payload: ev,
	})
	if err != nil {
		p.logger.Error("encode order event", zap.Error(err))
		return
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderNumber),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(EventOrderStatusChanged)},
			{Key: "x-event-version", Value: []byte("1")},
		},
	})
	if err != nil {
		p.logger.Warn("enqueue order event", zap.String("order", ev.OrderNumber), zap.Error(err))
	}
}

// Close дожидается отправки буфера и закрывает соединения.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Nop отбрасывает события; используется, когда брокеры не настроены.
type Nop struct{}

// StatusChanged ничего не делает.
func (Nop) StatusChanged(context.Context, StatusChanged) {}

// Close ничего не делает.
func (Nop) Close() error { return nil }
