package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"expense-reports/pkg/expense"
	"expense-reports/pkg/job"
)

// Expenses adapts Client to expense.Source.
type Expenses struct{ c *Client }

func (c *Client) Expenses() *Expenses { return &Expenses{c: c} }

var _ expense.Source = (*Expenses)(nil)

func (e *Expenses) User(ctx context.Context, id string) (*expense.User, error) {
	u := &expense.User{}
	err := e.c.pool.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	return u, err
}

const expensesForUserSQL = `
SELECT e.id, e.description, e.amount, e.date, p.id, p.name,
       array_agg(u.id ORDER BY u.name, u.id), array_agg(u.name ORDER BY u.name, u.id)
FROM expenses e
JOIN users p ON p.id = e.payer_id
JOIN expense_participants ep ON ep.expense_id = e.id
JOIN users u ON u.id = ep.user_id
WHERE (e.payer_id = $1 OR EXISTS (
        SELECT 1 FROM expense_participants x WHERE x.expense_id = e.id AND x.user_id = $1))
  AND ($2::timestamptz IS NULL OR e.date >= $2)
  AND ($3::timestamptz IS NULL OR e.date <= $3)
GROUP BY e.id, p.id, p.name
ORDER BY e.date DESC, e.id DESC`

func (e *Expenses) ForUser(ctx context.Context, userID string, f job.Filter) ([]expense.Expense, error) {
	rows, err := e.c.pool.Query(ctx, expensesForUserSQL, userID, f.Start, f.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []expense.Expense
	for rows.Next() {
		var (
			x     expense.Expense
			ids   []string
			names []string
		)
		if err := rows.Scan(&x.ID, &x.Description, &x.Amount, &x.Date,
			&x.Payer.ID, &x.Payer.Name, &ids, &names); err != nil {
			return nil, err
		}
		x.Participants = make([]expense.Participant, len(ids))
		for i := range ids {
			x.Participants[i] = expense.Participant{ID: ids[i], Name: names[i]}
		}
		out = append(out, x)
	}
	return out, rows.Err()
}
