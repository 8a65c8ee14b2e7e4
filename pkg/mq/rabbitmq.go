package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Messages carry only a report id. They wake workers up; the job table stays
// the source of truth, so a lost or duplicated message never loses or
// duplicates work.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	ReportsExchange    = "reports.exchange"
	DLXExchange        = "reports.dlx"
	RetryExchange      = "reports.retry.exchange"
	GenerateQueue      = "reports.queue.generate"
	RetryQueue         = "reports.retry.queue"
	DeadLetterQueue    = "reports.dead_letter.queue"
	RoutingKeyGenerate = "report.generate"
	RoutingKeyRetry    = "report.retry"
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	// Main exchange for report jobs
	if err := c.ch.ExchangeDeclare(ReportsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	// Dead-letter exchange
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	// Retry exchange
	if err := c.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	_, err := c.ch.QueueDeclare(GenerateQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange, // rejected wake-ups go to DLX
	})
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(GenerateQueue, RoutingKeyGenerate, ReportsExchange, false, nil); err != nil {
		return err
	}

	// Delay queue: nobody consumes it. Each message carries its own
	// expiration and is dead-lettered back onto the generate queue.
	_, err = c.ch.QueueDeclare(RetryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    ReportsExchange,
		"x-dead-letter-routing-key": RoutingKeyGenerate,
	})
	if err != nil {
		return err
	}
	return c.ch.QueueBind(RetryQueue, RoutingKeyRetry, RetryExchange, false, nil)
}

// Publish sends a persistent text message. The outbox relay uses it with
// the exchange and routing key recorded on the outbox row.
func (c *Client) Publish(ctx context.Context, exchange, routingKey, body string) error {
	return c.ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         []byte(body),
		})
}

// ScheduleRetry parks a wake-up for reportID on the delay queue; it reaches
// the generate queue once delay has elapsed.
func (c *Client) ScheduleRetry(ctx context.Context, reportID string, delay time.Duration) error {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return c.ch.PublishWithContext(ctx,
		RetryExchange,
		RoutingKeyRetry,
		false,
		false,
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         []byte(reportID),
			Expiration:   strconv.FormatInt(ms, 10),
		})
}

func (c *Client) consume(prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return c.ch.Consume(
		GenerateQueue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
