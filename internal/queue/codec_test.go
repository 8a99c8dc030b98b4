package queue_test

import (
	"testing"

	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSeriesKey_RoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 13675, 1 << 40} {
		key := queue.EncodeSeriesKey(id)
		got, err := queue.DecodeSeriesKey(key)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestEncodeSeriesKey_PreservesNumericOrder(t *testing.T) {
	a := queue.EncodeSeriesKey(10)
	b := queue.EncodeSeriesKey(300)
	assert.Less(t, string(a), string(b), "byte order of encoded keys must match numeric order")
}

func TestRunnerResult_RoundTrip(t *testing.T) {
	in := domain.RunnerResult{
		JobName:     "build",
		JobState:    domain.JobCompleted,
		Outcome:     domain.CheckStateWarning,
		URL:         "https://ci.example.com/runs/1",
		Description: "1 annotation",
	}
	encoded, err := queue.EncodeRunnerResult(in)
	require.NoError(t, err)

	var out domain.RunnerResult
	require.NoError(t, queue.DecodeRunnerResult(encoded, &out))
	assert.Equal(t, in, out)
}

func TestDispatchKey_RoundTrip(t *testing.T) {
	key := queue.DispatchKey("github", 42, "build and test")
	assert.Equal(t, "github 42 build and test", key)

	handle, series, job, err := queue.ParseDispatchKey(key)
	require.NoError(t, err)
	assert.Equal(t, "github", handle)
	assert.Equal(t, int64(42), series)
	assert.Equal(t, "build and test", job)
}

func TestParseDispatchKey_Malformed(t *testing.T) {
	_, _, _, err := queue.ParseDispatchKey("only-one-token")
	assert.Error(t, err)
}
