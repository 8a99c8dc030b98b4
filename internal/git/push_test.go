package git

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNonFastForward(t *testing.T) {
	assert.True(t, isNonFastForward(errors.New("non-fast-forward update")))
	assert.True(t, isNonFastForward(errors.New("remote rejected: not fast forward")))
	assert.False(t, isNonFastForward(errors.New("authentication required")))
	assert.False(t, isNonFastForward(nil))
}

func TestRegisterPushTarget_PopulatesRemotesToPush(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, RegisterPushTarget(store, "origin", "ci-runner"))

	var handle string
	err := store.Iterate(treeRemotesToPush, func(key, value []byte) error {
		assert.Equal(t, "origin", string(key))
		handle = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", handle)
}
