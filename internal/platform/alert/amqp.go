package alert

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue receives alerts when no queue name is configured.
const DefaultQueue = "teleconsult_meeting_alerts"

// AMQP publishes alerts to a durable queue and waits for broker confirms.
type AMQP struct {
	ch       *amqp.Channel
	queue    string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// NewAMQP opens a channel on conn, declares the queue and enables confirms.
func NewAMQP(conn *amqp.Connection, queue string) (*AMQP, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQP{
		ch:       ch,
		queue:    queue,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (q *AMQP) Alert(ctx context.Context, a Alert) error {
	body, err := encode(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	select {
	case c, ok := <-q.confirms:
		if !ok {
			return fmt.Errorf("publish alert: channel closed")
		}
		if !c.Ack {
			return fmt.Errorf("publish alert: not confirmed")
		}
	case <-ctx.Done():
		return fmt.Errorf("publish alert: %w", ctx.Err())
	}
	return nil
}

func (q *AMQP) Close() error {
	return q.ch.Close()
}
