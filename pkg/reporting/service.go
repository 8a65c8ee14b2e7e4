// Package reporting accepts report requests and answers status polls.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"expense-reports/pkg/job"
	"expense-reports/pkg/observability"
	"expense-reports/pkg/report"
)

// SubmitRequest is the body of a report request. Dates are YYYY-MM-DD or
// RFC 3339; ReportID lets a client retry a submission idempotently.
type SubmitRequest struct {
	ReportID  string `json:"reportId,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

var reportIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

type Service struct {
	store          job.Store
	downloadPrefix string
	maxAttempts    int
	onEnqueue      func(reportID string)
	logger         *slog.Logger
}

type Option func(*Service)

// WithDownloadPrefix sets the route completed artifacts are served from.
func WithDownloadPrefix(p string) Option { return func(s *Service) { s.downloadPrefix = p } }

func WithMaxAttempts(n int) Option { return func(s *Service) { s.maxAttempts = n } }

// WithEnqueueHook runs fn after a new job is stored.
func WithEnqueueHook(fn func(reportID string)) Option { return func(s *Service) { s.onEnqueue = fn } }

func NewService(store job.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{store: store, downloadPrefix: "/reports", logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewReportID returns report-<owner>-<10 random chars>.
func NewReportID(ownerID string) string {
	return fmt.Sprintf("report-%s-%s", ownerID, strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// RequestReport validates the filter and enqueues a job. Repeating a
// request with the same ReportID returns the existing job.
func (s *Service) RequestReport(ctx context.Context, ownerID string, req SubmitRequest) (*job.View, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", job.ErrInvalidArgument)
	}
	f, err := report.ParseFilter(req.StartDate, req.EndDate)
	if err != nil {
		observability.ReportsRequested.WithLabelValues("invalid").Inc()
		return nil, err
	}
	id := req.ReportID
	if id == "" {
		id = NewReportID(ownerID)
	} else if !reportIDPattern.MatchString(id) {
		observability.ReportsRequested.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: malformed reportId", job.ErrInvalidArgument)
	}

	j, inserted, err := s.store.Enqueue(ctx, job.EnqueueRequest{
		ReportID:    id,
		OwnerID:     ownerID,
		Filter:      f,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		observability.ReportsRequested.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("enqueue report %s: %w", id, err)
	}
	if j.OwnerID != ownerID {
		observability.ReportsRequested.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("report %s: %w", id, job.ErrForbidden)
	}
	if !inserted {
		observability.ReportsRequested.WithLabelValues("duplicate").Inc()
		return job.NewView(j, s.downloadPrefix), nil
	}

	observability.ReportsRequested.WithLabelValues("accepted").Inc()
	s.logger.Info("report requested", "report_id", id, "user_id", ownerID)
	if s.onEnqueue != nil {
		s.onEnqueue(id)
	}
	return job.NewView(j, s.downloadPrefix), nil
}

// GetReportStatus returns the caller's view of a job. Jobs owned by someone
// else are ErrForbidden and reveal nothing.
func (s *Service) GetReportStatus(ctx context.Context, callerID, reportID string) (*job.View, error) {
	if reportID == "" {
		return nil, fmt.Errorf("%w: reportId is required", job.ErrInvalidArgument)
	}
	j, err := s.store.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != callerID {
		return nil, fmt.Errorf("report %s: %w", reportID, job.ErrForbidden)
	}
	return job.NewView(j, s.downloadPrefix), nil
}
