package dispatch_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ruscur/snowpatch/internal/dispatch"
	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	series map[int64]domain.Series
	sent   []domain.Verdict
	failOn map[int64]bool
}

func (f *fakeTracker) GetSeries(ctx context.Context, id int64) (domain.Series, error) {
	return f.series[id], nil
}

func (f *fakeTracker) SendCheck(ctx context.Context, series domain.Series, verdict domain.Verdict) error {
	f.sent = append(f.sent, verdict)
	return nil
}

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDrainOnce_PostsVerdictAndRemovesEntry(t *testing.T) {
	store := openTestStore(t)
	tr := &fakeTracker{series: map[int64]domain.Series{42: {ID: 42}}}

	value, err := queue.EncodeRunnerResult(domain.RunnerResult{
		JobName:  "build",
		JobState: domain.JobCompleted,
		Outcome:  domain.CheckStateSuccess,
		URL:      "https://ci.example.com/run/1",
	})
	require.NoError(t, err)
	require.NoError(t, store.Insert("needs dispatch", []byte(queue.DispatchKey("github", 42, "build")), value))

	d := dispatch.New(tr, store, nil)
	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "github-build", tr.sent[0].Context)
	assert.Equal(t, domain.CheckStateSuccess, tr.sent[0].State)

	left, err := store.Len("needs dispatch")
	require.NoError(t, err)
	assert.Equal(t, 0, left)
}

func TestDrainOnce_FailedJobState_LeftUndispatched(t *testing.T) {
	store := openTestStore(t)
	tr := &fakeTracker{series: map[int64]domain.Series{1: {ID: 1}}}

	value, err := queue.EncodeRunnerResult(domain.RunnerResult{JobName: "build", JobState: domain.JobFailed})
	require.NoError(t, err)
	require.NoError(t, store.Insert("needs dispatch", []byte(queue.DispatchKey("github", 1, "build")), value))

	d := dispatch.New(tr, store, nil)
	_, err = d.DrainOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, tr.sent)
	left, err := store.Len("needs dispatch")
	require.NoError(t, err)
	assert.Equal(t, 1, left, "failed job-state entries stay queued per the open policy question")
}

type fakeAuditor struct {
	recorded []domain.Verdict
}

func (f *fakeAuditor) Record(ctx context.Context, seriesID int64, verdict domain.Verdict) error {
	f.recorded = append(f.recorded, verdict)
	return nil
}

func TestDrainOnce_PostsToAuditorWhenConfigured(t *testing.T) {
	store := openTestStore(t)
	tr := &fakeTracker{series: map[int64]domain.Series{42: {ID: 42}}}
	aud := &fakeAuditor{}

	value, err := queue.EncodeRunnerResult(domain.RunnerResult{
		JobName:  "build",
		JobState: domain.JobCompleted,
		Outcome:  domain.CheckStateSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, store.Insert("needs dispatch", []byte(queue.DispatchKey("github", 42, "build")), value))

	d := dispatch.New(tr, store, aud)
	_, err = d.DrainOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, aud.recorded, 1)
	assert.Equal(t, "github-build", aud.recorded[0].Context)
}

func TestDrainOnce_MalformedKey_DroppedNotRetried(t *testing.T) {
	store := openTestStore(t)
	tr := &fakeTracker{}
	require.NoError(t, store.Insert("needs dispatch", []byte("not-a-valid-key"), []byte("{}")))

	d := dispatch.New(tr, store, nil)
	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
