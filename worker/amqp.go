package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var ErrQueueClosed = errors.New("queue closed")

// AMQPQueue keeps poll tasks in RabbitMQ so the polling cadence survives
// restarts. Delays use one TTL queue per delay that dead-letters into the
// work queue.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
	log     *logrus.Entry

	mu      sync.Mutex
	delayed map[time.Duration]string
}

func NewAMQPQueue(url, name string, log *logrus.Entry) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	_, err = channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	log.WithField("queue", name).Info("RabbitMQ poll queue ready")
	return &AMQPQueue{conn: conn, channel: channel, name: name, log: log, delayed: map[time.Duration]string{}}, nil
}

// delayQueue declares, once, the TTL queue for a delay.
func (q *AMQPQueue) delayQueue(delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if name, ok := q.delayed[delay]; ok {
		return name, nil
	}
	name := fmt.Sprintf("%s.delay.%d", q.name, delay.Milliseconds())
	_, err := q.channel.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare delay queue: %w", err)
	}
	q.delayed[delay] = name
	return name, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, task PollTask, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	target := q.name
	if delay > 0 {
		if target, err = q.delayQueue(delay); err != nil {
			return err
		}
	}
	err = q.channel.PublishWithContext(ctx,
		"",     // exchange
		target, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    task.ID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Consume(ctx context.Context, handle func(context.Context, PollTask) error) error {
	if err := q.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := q.channel.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrQueueClosed
			}
			var task PollTask
			if err := json.Unmarshal(d.Body, &task); err != nil {
				q.log.WithError(err).Error("Dropping malformed poll task")
				_ = d.Nack(false, false)
				continue
			}
			_ = handle(ctx, task)
			if err := d.Ack(false); err != nil {
				q.log.WithError(err).Warn("Failed to ack poll task")
			}
		}
	}
}

func (q *AMQPQueue) Close() error {
	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			q.log.WithError(err).Warn("Error closing channel")
		}
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
