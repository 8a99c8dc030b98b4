package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruscur/snowpatch/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := queue.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertGetRemove(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Insert("needs testing", []byte("k1"), []byte("v1")))
	v, ok, err := s.Get("needs testing", []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Remove("needs testing", []byte("k1")))
	_, ok, err = s.Get("needs testing", []byte("k1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_MissingTreeOrKey(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("does not exist", []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMove_AtomicBetweenTrees(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert("awaiting git worker", []byte("13675"), []byte("mbox-url")))

	require.NoError(t, s.Move("awaiting git worker", "git worker 0", "13675"))

	_, ok, err := s.Get("awaiting git worker", []byte("13675"))
	require.NoError(t, err)
	assert.False(t, ok, "key must be gone from the source tree")

	v, ok, err := s.Get("git worker 0", []byte("13675"))
	require.NoError(t, err)
	require.True(t, ok, "key must be present in the destination tree")
	assert.Equal(t, []byte("mbox-url"), v)
}

func TestMove_MissingKey(t *testing.T) {
	s := openTestStore(t)
	err := s.Move("needs testing", "awaiting git worker", "nope")
	assert.ErrorIs(t, err, queue.ErrKeyNotFound)
}

func TestIterate_KeyOrder(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert("needs testing", queue.EncodeSeriesKey(30), []byte("c")))
	require.NoError(t, s.Insert("needs testing", queue.EncodeSeriesKey(10), []byte("a")))
	require.NoError(t, s.Insert("needs testing", queue.EncodeSeriesKey(20), []byte("b")))

	var seen []int64
	err := s.Iterate("needs testing", func(key, value []byte) error {
		id, err := queue.DecodeSeriesKey(key)
		require.NoError(t, err)
		seen = append(seen, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, seen)
}

func TestWait_WakesOnWrite(t *testing.T) {
	s := openTestStore(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.Wait(ctx, "needs testing")
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Insert("needs testing", []byte("k"), []byte("v")))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not wake up after a write")
	}
}

func TestWait_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Wait(ctx, "needs testing")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScalars(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetScalar("ssh private key path", []byte("/home/ci/.ssh/id_rsa")))
	v, ok, err := s.GetScalar("ssh private key path")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/home/ci/.ssh/id_rsa", string(v))
}

func TestLen(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Len("git failures")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Insert("git failures", []byte("a"), []byte("1")))
	require.NoError(t, s.Insert("git failures", []byte("b"), []byte("2")))
	n, err = s.Len("git failures")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
