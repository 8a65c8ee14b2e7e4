// Package notify pushes report and expense events to connected users.
package notify

import (
	"context"
	"encoding/json"
)

const (
	EventReportReady    = "report:ready"
	EventExpenseCreated = "expense:created"
	EventExpenseUpdated = "expense:updated"
)

// Envelope is the frame written to websocket clients.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ReportReady struct {
	ReportID    string `json:"reportId"`
	UserID      string `json:"userId"`
	DownloadURL string `json:"downloadUrl"`
}

type ExpenseChanged struct {
	ExpenseID      int64    `json:"expenseId"`
	Description    string   `json:"description"`
	Amount         float64  `json:"amount"`
	PayerID        string   `json:"payerId"`
	ParticipantIDs []string `json:"participantIds"`
}

// Recipients is the payer followed by every participant, without duplicates.
func (e ExpenseChanged) Recipients() []string {
	seen := make(map[string]bool, len(e.ParticipantIDs)+1)
	var out []string
	for _, id := range append([]string{e.PayerID}, e.ParticipantIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Notifier is fire-and-forget: an error means the event was not handed
// off, never that a client missed it.
type Notifier interface {
	ReportReady(ctx context.Context, evt ReportReady) error
	ExpenseCreated(ctx context.Context, evt ExpenseChanged) error
	ExpenseUpdated(ctx context.Context, evt ExpenseChanged) error
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}
