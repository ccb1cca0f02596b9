package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsched/scheduled-mailer/shared/logger"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(&Config{Addr: mr.Addr(), DialTimeout: time.Second}, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, client.HealthCheck(context.Background()))
	require.NoError(t, client.GetClient().Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))

	require.NoError(t, client.Close())
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(&Config{Addr: addr, DialTimeout: 200 * time.Millisecond}, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestClient_HealthCheckAfterServerStops(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(&Config{Addr: mr.Addr(), DialTimeout: 200 * time.Millisecond}, logger.Discard())
	require.NoError(t, err)
	defer client.Close()

	mr.Close()

	err = client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
}
