// Package broker publishes JSON documents to durable RabbitMQ queues. The
// relay transport and the dead-letter sink both go through it.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends to queues on the default exchange. Queues are declared
// durable the first time they are used.
type Publisher struct {
	Channel Channel

	conn     *amqp.Connection
	mu       sync.Mutex
	declared map[string]bool
}

// Dial opens a connection and a channel to the broker at url.
func Dial(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	p := NewPublisher(ch)
	p.conn = conn
	return p, nil
}

func NewPublisher(ch Channel) *Publisher {
	return &Publisher{Channel: ch, declared: map[string]bool{}}
}

// PublishJSON encodes v and publishes it persistently to queue.
func (p *Publisher) PublishJSON(ctx context.Context, queue, messageID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: encode %s: %w", queue, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queue] {
		if _, err := p.Channel.QueueDeclare(
			queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("broker: declare %s: %w", queue, err)
		}
		p.declared[queue] = true
	}

	err = p.Channel.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.Channel != nil {
		if err := p.Channel.Close(); err != nil {
			return err
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
