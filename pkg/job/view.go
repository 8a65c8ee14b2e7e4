package job

import (
	"path"
	"time"
)

// View is the read-only projection handed to callers polling a report.
type View struct {
	ReportID      string     `json:"reportId"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	DownloadURL   string     `json:"downloadUrl,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// NewView projects j. downloadPrefix is the route artifacts are served from.
func NewView(j *Job, downloadPrefix string) *View {
	v := &View{
		ReportID:  j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
		Attempts:  j.Attempts,
	}
	switch j.Status {
	case StatusCompleted:
		if j.Result != nil {
			v.DownloadURL = DownloadURL(downloadPrefix, j.Result.Path)
		}
	case StatusFailed:
		v.FailureReason = j.FailureReason
		if j.Retryable() {
			at := *j.AvailableAt
			v.NextAttemptAt = &at
		}
	}
	return v
}

func DownloadURL(prefix, artifactPath string) string {
	if prefix == "" {
		prefix = "/reports"
	}
	return path.Join(prefix, artifactPath)
}
