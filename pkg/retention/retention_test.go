package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expense-reports/pkg/artifact"
	"expense-reports/pkg/job"
	"expense-reports/pkg/memstore"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSweepHonoursMaxAge(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "expense-report-1-1.pdf", []byte("%PDF")))

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(store.Dir(), "expense-report-1-1.pdf"), created, created))

	now := created.Add(4 * time.Minute)
	s := NewSweeper(store, 5*time.Minute, quietLogger())
	s.now = func() time.Time { return now }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = os.Stat(filepath.Join(store.Dir(), "expense-report-1-1.pdf"))
	assert.NoError(t, err, "present at T+4m")

	now = created.Add(6 * time.Minute)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(store.Dir(), "expense-report-1-1.pdf"))
	assert.True(t, os.IsNotExist(err), "absent at T+6m")
}

func TestSweepRemovesAbandonedTempFiles(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	leftover := filepath.Join(store.Dir(), ".put-crashed")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o644))
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(leftover, created, created))

	s := NewSweeper(store, 5*time.Minute, quietLogger())
	s.now = func() time.Time { return created.Add(4 * time.Minute) }
	_, err = s.Sweep(ctx)
	require.NoError(t, err)
	_, err = os.Stat(leftover)
	assert.NoError(t, err, "present at T+4m")

	s.now = func() time.Time { return created.Add(6 * time.Minute) }
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "temp files are not counted as artifacts")
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err), "absent at T+6m")
}

type flakyStore struct {
	infos  []artifact.Info
	failOn string
	gone   []string
}

func (f *flakyStore) Put(context.Context, string, []byte) error { return nil }
func (f *flakyStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, job.ErrNotFound
}
func (f *flakyStore) List(context.Context) ([]artifact.Info, error) { return f.infos, nil }
func (f *flakyStore) Delete(_ context.Context, name string) error {
	if name == f.failOn {
		return errors.New("permission denied")
	}
	f.gone = append(f.gone, name)
	return nil
}

func TestSweepContinuesPastDeleteFailure(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	fs := &flakyStore{
		infos:  []artifact.Info{{Name: "a.pdf", ModTime: old}, {Name: "b.pdf", ModTime: old}, {Name: "c.pdf", ModTime: time.Now()}},
		failOn: "a.pdf",
	}
	n, err := NewSweeper(fs, 5*time.Minute, quietLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b.pdf"}, fs.gone)
}

func TestPurgerRemovesFinishedJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memstore.New(job.DefaultRetryPolicy(), memstore.WithClock(clock))

	_, _, err := store.Enqueue(ctx, job.EnqueueRequest{ReportID: "done", OwnerID: "1"})
	require.NoError(t, err)
	_, lease, err := store.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, lease, job.Result{Path: "x.pdf", GeneratedAt: now}))
	_, _, err = store.Enqueue(ctx, job.EnqueueRequest{ReportID: "pending", OwnerID: "1"})
	require.NoError(t, err)

	p := NewPurger(store, job.PurgePolicy{CompletedRetention: time.Hour, CompletedKeep: 100, FailedRetention: 24 * time.Hour}, quietLogger())
	n, err := p.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = p.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.Get(ctx, "done")
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = store.Get(ctx, "pending")
	assert.NoError(t, err)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(quietLogger())
	assert.Error(t, s.Add("every five minutes", "x", func(context.Context) error { return nil }))
	assert.NoError(t, s.AddRetention("*/5 * * * *", &Sweeper{}, &Purger{}))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
