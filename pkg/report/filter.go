package report

import (
	"fmt"
	"strings"
	"time"

	"expense-reports/pkg/job"
)

const dateLayout = "2006-01-02"

// ParseFilter accepts YYYY-MM-DD or RFC 3339 bounds; an empty string leaves
// that side open. A date-only end bound covers the whole day.
func ParseFilter(start, end string) (job.Filter, error) {
	var f job.Filter
	s, err := parseBound(start, false)
	if err != nil {
		return f, fmt.Errorf("%w: startDate: %v", job.ErrInvalidArgument, err)
	}
	e, err := parseBound(end, true)
	if err != nil {
		return f, fmt.Errorf("%w: endDate: %v", job.ErrInvalidArgument, err)
	}
	if s != nil && e != nil && s.After(*e) {
		return f, fmt.Errorf("%w: startDate is after endDate", job.ErrInvalidArgument)
	}
	f.Start, f.End = s, e
	return f, nil
}

func parseBound(v string, endOfDay bool) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%q is not YYYY-MM-DD or RFC 3339", v)
	}
	t = t.UTC()
	return &t, nil
}
