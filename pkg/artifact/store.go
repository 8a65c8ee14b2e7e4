// Package artifact stores generated report files by name.
package artifact

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"expense-reports/pkg/job"
)

type Info struct {
	Name    string
	ModTime time.Time
	Size    int64
}

// Store is a flat namespace of artifacts. Open and Delete report
// job.ErrNotFound for names that do not exist.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, name string) error
}

// Scavenger is implemented by stores whose writes can leave partial files
// behind after a crash.
type Scavenger interface {
	// RemoveStale deletes leftovers last modified before cutoff and returns
	// how many it removed.
	RemoveStale(ctx context.Context, cutoff time.Time) (int, error)
}

// ValidName rejects anything that could escape the store's namespace.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: artifact name %q", job.ErrInvalidArgument, name)
	}
	return nil
}

// ContentType guesses from the extension, defaulting to octet-stream.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
