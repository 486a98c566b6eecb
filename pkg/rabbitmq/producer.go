/**
 * @description
 * Publisher for the service's domain events. Payloads arrive already JSON-encoded from
 * the transactional outbox and are sent as persistent messages on a durable topic
 * exchange.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu        sync.Mutex
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	exchanges map[string]bool
}

// EventProducerFallback is used when RabbitMQ is unavailable at startup. It reports
// ErrPublisherUnavailable so outbox rows stay queued for a later retry.
type EventProducerFallback struct{}

var ErrPublisherUnavailable = errors.New("rabbitmq publisher unavailable")

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return ErrPublisherUnavailable
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters before the scheme.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ with a bounded timeout so startup does not hang.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, exchanges: make(map[string]bool)}, nil
}

// Publish sends an encoded JSON body to exchange with routingKey.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureExchange(exchange); err != nil {
		return err
	}

	err := p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"publish failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}
	return nil
}

func (p *EventProducer) ensureExchange(exchange string) error {
	if p.exchanges[exchange] && !p.channel.IsClosed() {
		return nil
	}
	if p.channel.IsClosed() {
		log.Printf("level=warn component=rabbitmq_producer msg=\"channel closed; reopening\" exchange=%s", exchange)
		ch, err := p.conn.Channel()
		if err != nil {
			return err
		}
		p.channel = ch
		p.exchanges = make(map[string]bool)
	}
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	p.exchanges[exchange] = true
	return nil
}

// Close gracefully closes the channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
