// Package report renders a user's expense history into a PDF artifact.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"expense-reports/pkg/artifact"
	"expense-reports/pkg/expense"
	"expense-reports/pkg/job"
)

// Artifact describes a stored report.
type Artifact struct {
	Name        string
	Size        int
	GeneratedAt time.Time
}

type Generator struct {
	expenses  expense.Source
	artifacts artifact.Store
	now       func() time.Time
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(src expense.Source, store artifact.Store, opts ...Option) *Generator {
	g := &Generator{expenses: src, artifacts: store, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// FileName is the artifact name for ownerID at t.
func FileName(ownerID string, t time.Time) string {
	return fmt.Sprintf("expense-report-%s-%d.pdf", ownerID, t.UnixMilli())
}

// Generate renders and stores the report. Errors wrap job.ErrNotFound for an
// unknown owner, job.ErrIO for read or storage failures and
// job.ErrExecution for rendering failures.
func (g *Generator) Generate(ctx context.Context, ownerID string, f job.Filter) (*Artifact, error) {
	user, err := g.expenses.User(ctx, ownerID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", ownerID, job.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: load user: %w", job.ErrIO, err)
	}
	list, err := g.expenses.ForUser(ctx, ownerID, f)
	if err != nil {
		return nil, fmt.Errorf("%w: load expenses: %w", job.ErrIO, err)
	}

	now := g.now()
	data, err := render(user, f, expense.Summarize(ownerID, list), now)
	if err != nil {
		return nil, fmt.Errorf("%w: render pdf: %w", job.ErrExecution, err)
	}

	name := FileName(ownerID, now)
	if err := g.artifacts.Put(ctx, name, data); err != nil {
		return nil, fmt.Errorf("%w: store %s: %w", job.ErrIO, name, err)
	}
	return &Artifact{Name: name, Size: len(data), GeneratedAt: now}, nil
}
