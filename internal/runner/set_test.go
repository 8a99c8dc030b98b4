package runner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	handle string

	mu       sync.Mutex
	started  []string
	progress []domain.RunnerResult
}

func (f *fakeRunner) Handle() string { return f.handle }

func (f *fakeRunner) StartWork(ctx context.Context, branch, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, branch)
	return nil
}

func (f *fakeRunner) GetProgress(ctx context.Context, branch, url string) ([]domain.RunnerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RunnerResult(nil), f.progress...), nil
}

func (f *fakeRunner) CleanUp(ctx context.Context, branch, url string) error { return nil }

func (f *fakeRunner) setProgress(results ...domain.RunnerResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = results
}

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSet_DrainsQueueAndMovesToWorking(t *testing.T) {
	store := openTestStore(t)
	fr := &fakeRunner{handle: "github"}
	require.NoError(t, store.Insert("github queue", queue.EncodeSeriesKey(42), []byte("new")))

	s := NewSet(store, []Runner{fr})
	n, err := s.drainOnce(context.Background(), fr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := store.Get("github queue", queue.EncodeSeriesKey(42))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Get("github working", queue.EncodeSeriesKey(42))
	require.NoError(t, err)
	assert.True(t, ok)

	fr.mu.Lock()
	assert.Equal(t, []string{"snowpatch/42"}, fr.started)
	fr.mu.Unlock()
}

func TestWaitForCompletion_EmitsTerminalResultsAndRemovesWorking(t *testing.T) {
	store := openTestStore(t)
	fr := &fakeRunner{handle: "github"}
	require.NoError(t, store.Insert("github working", queue.EncodeSeriesKey(7), []byte("new")))
	fr.setProgress(domain.RunnerResult{JobName: "build", JobState: domain.JobCompleted, Outcome: domain.CheckStateSuccess})

	s := NewSet(store, []Runner{fr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.waitForCompletion(ctx, fr, 7)

	_, ok, err := store.Get("github working", queue.EncodeSeriesKey(7))
	require.NoError(t, err)
	assert.False(t, ok, "working entry must be removed once all results are terminal")

	n, err := store.Len("needs dispatch")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
