package mq

import (
	"context"
	"sync"
)

// Message is the transport envelope. Body is JSON of one of the event
// types in events.go.
type Message struct {
	ID            string
	Topic         string
	CorrelationID string
	Body          []byte
}

// Publisher sends messages to a topic. Publication is at-least-once;
// consumers deduplicate by event id.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one received message plus its settlement handles. Exactly one
// of Ack/Nack must be called.
type Delivery struct {
	Message
	Ack  func() error
	Nack func(requeue bool) error
}

// Subscriber consumes a topic. Handle blocks the consumer, so the prefetch
// window is the effective concurrency bound.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, prefetch int, handle func(Delivery)) error
}

// Bus is both ends; the in-process implementation and the RabbitMQ adapter
// satisfy it.
type Bus interface {
	Publisher
	Subscriber
}

// ProcBus is a channel-backed in-process bus. Nacked messages with
// requeue=true are redelivered.
type ProcBus struct {
	mu     sync.Mutex
	topics map[string]chan Message
}

func NewProcBus() *ProcBus {
	return &ProcBus{topics: make(map[string]chan Message)}
}

func (b *ProcBus) topic(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan Message, 256)
		b.topics[name] = ch
	}
	return ch
}

func (b *ProcBus) Publish(ctx context.Context, msg Message) error {
	select {
	case b.topic(msg.Topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ProcBus) Subscribe(ctx context.Context, topic string, prefetch int, handle func(Delivery)) error {
	ch := b.topic(topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			handle(Delivery{
				Message: msg,
				Ack:     func() error { return nil },
				Nack: func(requeue bool) error {
					if requeue {
						return b.Publish(ctx, msg)
					}
					return nil
				},
			})
		}
	}
}

// Drain returns all buffered messages on a topic without blocking; test
// helper.
func (b *ProcBus) Drain(topic string) []Message {
	ch := b.topic(topic)
	var out []Message
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}
