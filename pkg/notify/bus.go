package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"expense-reports/pkg/bus"
)

// BusNotifier forwards events over NATS to whichever process holds the
// websocket connections.
type BusNotifier struct {
	bus *bus.Client
}

var _ Notifier = (*BusNotifier)(nil)

func NewBusNotifier(b *bus.Client) *BusNotifier { return &BusNotifier{bus: b} }

func (n *BusNotifier) ReportReady(_ context.Context, evt ReportReady) error {
	return n.bus.PublishJSON(bus.SubjectReportReady, evt)
}

func (n *BusNotifier) ExpenseCreated(_ context.Context, evt ExpenseChanged) error {
	return n.bus.PublishJSON(bus.SubjectExpenseCreated, evt)
}

func (n *BusNotifier) ExpenseUpdated(_ context.Context, evt ExpenseChanged) error {
	return n.bus.PublishJSON(bus.SubjectExpenseUpdated, evt)
}

// Bridge subscribes to the notification subjects and replays each event
// into a local Notifier, normally the Hub.
type Bridge struct {
	target Notifier
	logger *slog.Logger
	subs   []*nats.Subscription
}

func NewBridge(target Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{target: target, logger: logger}
}

func (b *Bridge) Start(c *bus.Client) error {
	handlers := map[string]func(context.Context, []byte) error{
		bus.SubjectReportReady:    b.HandleReportReady,
		bus.SubjectExpenseCreated: b.HandleExpenseCreated,
		bus.SubjectExpenseUpdated: b.HandleExpenseUpdated,
	}
	for subject, handle := range handlers {
		subject, handle := subject, handle
		sub, err := c.SubscribeJSON(subject, func(ctx context.Context, data []byte) {
			if err := handle(ctx, data); err != nil {
				b.logger.Warn("dropping bus event", "subject", subject, "error", err)
			}
		})
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *Bridge) Stop() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
}

func (b *Bridge) HandleReportReady(ctx context.Context, data []byte) error {
	var evt ReportReady
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.UserID == "" || evt.ReportID == "" {
		return errors.New("report:ready without userId or reportId")
	}
	return b.target.ReportReady(ctx, evt)
}

func (b *Bridge) HandleExpenseCreated(ctx context.Context, data []byte) error {
	var evt ExpenseChanged
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	return b.target.ExpenseCreated(ctx, evt)
}

func (b *Bridge) HandleExpenseUpdated(ctx context.Context, data []byte) error {
	var evt ExpenseChanged
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	return b.target.ExpenseUpdated(ctx, evt)
}
