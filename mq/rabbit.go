package mq

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitConfig locates the broker. Topics map to queues bound on a direct
// exchange by routing key.
type RabbitConfig struct {
	URL      string `yaml:"url" validate:"required,url"`
	Exchange string `yaml:"exchange"`
}

func (c *RabbitConfig) defaults() {
	if c.Exchange == "" {
		c.Exchange = "imgw"
	}
}

// RabbitBus is the production Bus adapter over AMQP 0-9-1.
type RabbitBus struct {
	cfg  RabbitConfig
	conn *amqp.Connection
	pub  *amqp.Channel
}

// DialRabbit connects and declares the exchange.
func DialRabbit(cfg RabbitConfig) (*RabbitBus, error) {
	cfg.defaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("mq: dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mq: channel: %w", err)
	}
	if err := pub.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mq: declare exchange: %w", err)
	}
	return &RabbitBus{cfg: cfg, conn: conn, pub: pub}, nil
}

func (b *RabbitBus) Close() error {
	return b.conn.Close()
}

func (b *RabbitBus) Publish(ctx context.Context, msg Message) error {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	err := b.pub.PublishWithContext(ctx, b.cfg.Exchange, msg.Topic, false, false,
		amqp.Publishing{
			MessageId:     id,
			CorrelationId: msg.CorrelationID,
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Body:          msg.Body,
		})
	if err != nil {
		return fmt.Errorf("mq: publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *RabbitBus) Subscribe(ctx context.Context, topic string, prefetch int, handle func(Delivery)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("mq: channel: %w", err)
	}
	defer ch.Close()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("mq: qos: %w", err)
		}
	}
	q, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("mq: declare queue %s: %w", topic, err)
	}
	if err := ch.QueueBind(q.Name, topic, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("mq: bind %s: %w", topic, err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("mq: consume %s: %w", topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("mq: consumer channel closed for %s", topic)
			}
			handle(Delivery{
				Message: Message{
					ID:            d.MessageId,
					Topic:         topic,
					CorrelationID: d.CorrelationId,
					Body:          d.Body,
				},
				Ack:  func() error { return d.Ack(false) },
				Nack: func(requeue bool) error { return d.Nack(false, requeue) },
			})
		}
	}
}
