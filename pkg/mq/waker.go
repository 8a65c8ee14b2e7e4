package mq

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Waker turns deliveries on the generate queue into wake-up signals for idle
// worker slots. It satisfies worker.Waker.
type Waker struct {
	signal chan struct{}
	logger *slog.Logger
}

// NewWaker starts consuming the generate queue. slots sizes both the
// prefetch window and the signal buffer.
func (c *Client) NewWaker(ctx context.Context, slots int, logger *slog.Logger) (*Waker, error) {
	if slots < 1 {
		slots = 1
	}
	deliveries, err := c.consume(slots)
	if err != nil {
		return nil, err
	}
	w := &Waker{signal: make(chan struct{}, slots), logger: logger}
	go w.forward(ctx, deliveries)
	return w, nil
}

func (w *Waker) forward(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				w.logger.Warn("wake-up consumer closed; slots fall back to polling")
				return
			}
			if len(bytes.TrimSpace(msg.Body)) == 0 {
				// No report id: park it on the dead-letter queue for inspection.
				w.logger.Warn("rejecting wake-up without a report id", "delivery_tag", msg.DeliveryTag)
				if err := msg.Reject(false); err != nil {
					w.logger.Warn("failed to reject wake-up", "error", err)
				}
				continue
			}
			select {
			case w.signal <- struct{}{}:
			default:
				// every slot already has a pending wake-up
			}
			if err := msg.Ack(false); err != nil {
				w.logger.Warn("failed to ack wake-up", "report_id", string(msg.Body), "error", err)
			}
		}
	}
}

// Wait returns when a wake-up arrives, max elapses or ctx is done.
func (w *Waker) Wait(ctx context.Context, max time.Duration) {
	t := time.NewTimer(max)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.signal:
	case <-t.C:
	}
}
