package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/audit"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/config"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

const publishTimeout = 5 * time.Second

// declareExchange declares the durable topic exchange orders are routed through.
func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
}

// RabbitMQPublisher publishes order.accepted events for the fulfillment worker.
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the exchange.
func NewRabbitMQPublisher(cfg config.RabbitMQConfig, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareExchange(channel, cfg.Exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQPublisher{
		conn:       conn,
		channel:    channel,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}, nil
}

// Publish sends event to the exchange as a persistent JSON message.
func (p *RabbitMQPublisher) Publish(ctx context.Context, event OrderAcceptedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Timestamp:    time.Now(),
			Type:         event.EventType,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.EventID, err)
	}

	return nil
}

// Dispatch implements domain.Dispatcher. Publishing runs in the background
// and failures are only logged.
func (p *RabbitMQPublisher) Dispatch(ctx context.Context, order *domain.Order) {
	event := NewOrderAcceptedEvent(ctx, order)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Publish(context.WithoutCancel(ctx), event); err != nil {
			p.logger.Error("failed to publish order event",
				"request_id", event.RequestID,
				"reference_id", event.ReferenceID,
				"error", err,
			)
		}
	}()
}

// Close waits for in-flight publishes and closes the connection.
func (p *RabbitMQPublisher) Close() error {
	p.wg.Wait()
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", "error", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Consumer reads order.accepted events and delivers them upstream.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	config   config.RabbitMQConfig
	sender   Sender
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewConsumer connects to RabbitMQ and binds the fulfillment queue to the exchange.
func NewConsumer(cfg config.RabbitMQConfig, sender Sender, recorder audit.Recorder, logger *slog.Logger) (*Consumer, error) {
	if recorder == nil {
		recorder = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareExchange(channel, cfg.Exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := channel.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := channel.QueueBind(queue.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("RabbitMQ consumer initialized",
		"exchange", cfg.Exchange,
		"queue", cfg.Queue,
		"routing_key", cfg.RoutingKey,
	)

	return &Consumer{
		conn:     conn,
		channel:  channel,
		config:   cfg,
		sender:   sender,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Start consumes messages until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.config.Queue, // queue
		"",             // consumer tag (auto-generated)
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("RabbitMQ consumer started", "queue", c.config.Queue)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context cancelled, stopping RabbitMQ consumer")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

// handleDelivery delivers one message. Upstream failures are acked since
// dispatch is best effort; undecodable messages are rejected without requeue.
func (c *Consumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	event, err := decodeEvent(msg.Body)
	if err != nil {
		c.logger.Error("dropping malformed order event", "message_id", msg.MessageId, "error", err)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Warn("failed to nack message", "error", nackErr)
		}
		return
	}

	_ = deliver(ctx, c.sender, c.recorder, c.logger, event)

	if err := msg.Ack(false); err != nil {
		c.logger.Warn("failed to ack message", "reference_id", event.ReferenceID, "error", err)
	}
}

// decodeEvent parses and validates an order.accepted payload.
func decodeEvent(body []byte) (OrderAcceptedEvent, error) {
	var event OrderAcceptedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.EventType != EventTypeOrderAccepted {
		return event, fmt.Errorf("unexpected event type %q", event.EventType)
	}
	if event.ReferenceID == "" {
		return event, errors.New("reference ID is required")
	}
	if event.IMEI == "" {
		return event, errors.New("imei is required")
	}
	return event, nil
}

// Close closes the RabbitMQ connection and channel.
func (c *Consumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("error closing channel", "error", err)
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
