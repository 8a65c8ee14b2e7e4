// Package expense is the read side of the expense-sharing data a report is
// built from. Writes belong to the CRUD service.
package expense

import (
	"context"
	"time"

	"expense-reports/pkg/job"
)

type User struct {
	ID    string
	Name  string
	Email string
}

type Participant struct {
	ID   string
	Name string
}

type Expense struct {
	ID           int64
	Description  string
	Amount       float64
	Date         time.Time
	Payer        Participant
	Participants []Participant
}

// Source reads users and the expenses they paid for or take part in.
type Source interface {
	// User returns job.ErrNotFound for an unknown id.
	User(ctx context.Context, id string) (*User, error)
	// ForUser returns expenses where userID is payer or participant,
	// restricted to f and ordered by date descending.
	ForUser(ctx context.Context, userID string, f job.Filter) ([]Expense, error)
}

type Role string

const (
	RolePaid Role = "paid"
	RoleOwed Role = "owed"
)

type Line struct {
	Expense Expense
	Share   float64
	Role    Role
}

type Summary struct {
	Lines     []Line
	TotalPaid float64
	TotalOwed float64
}

func (s Summary) Net() float64 { return s.TotalPaid - s.TotalOwed }

// Summarize splits every expense equally between its participants. As payer
// the user is credited the full amount; as a non-paying participant the user
// owes one share. Expenses without participants are skipped.
func Summarize(userID string, expenses []Expense) Summary {
	var s Summary
	for _, e := range expenses {
		if len(e.Participants) == 0 {
			continue
		}
		share := e.Amount / float64(len(e.Participants))
		switch {
		case e.Payer.ID == userID:
			s.Lines = append(s.Lines, Line{Expense: e, Share: share, Role: RolePaid})
			s.TotalPaid += e.Amount
		case participates(e, userID):
			s.Lines = append(s.Lines, Line{Expense: e, Share: share, Role: RoleOwed})
			s.TotalOwed += share
		}
	}
	return s
}

func participates(e Expense, userID string) bool {
	for _, p := range e.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}
