package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_DefaultTimeout(t *testing.T) {
	client := NewHTTPClient(0)
	require.NotNil(t, client)
	assert.Equal(t, DefaultTimeout, client.Timeout)
}

func TestNewHTTPClient_CustomTimeout(t *testing.T) {
	client := NewHTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)
}
