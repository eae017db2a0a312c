//go:build integration
// +build integration

package zookeeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startZooKeeper runs a single ZooKeeper server and returns its address.
func startZooKeeper(t *testing.T) string {
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "zookeeper:3.8",
			ExposedPorts: []string{"2181/tcp"},
			WaitingFor:   wait.ForListeningPort("2181/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "2181/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func newIntegrationLock(t *testing.T, addr string) *ZooKeeperLock {
	lock, err := NewZooKeeperLock(ZooKeeperLockConfig{
		Address: addr,
		Path:    "/registry/locks",
		Logger:  quietLogger,
	})
	require.NoError(t, err)
	t.Cleanup(lock.Close)
	return lock
}

func TestLockIntegration(t *testing.T) {
	addr := startZooKeeper(t)
	lock := newIntegrationLock(t, addr)
	lock2 := newIntegrationLock(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// This lock should succeed normally.
	err := lock.Lock(ctx)
	defer lock.Unlock(context.Background())
	assert.Nil(t, err)

	// This lock should time out.
	err2 := lock2.Lock(ctx)
	assert.Equal(t, ErrLockingTimedOut, err2, "Expected ErrLockingTimedOut")
}

func TestUnlockIntegration(t *testing.T) {
	addr := startZooKeeper(t)
	lock := newIntegrationLock(t, addr)
	lock2 := newIntegrationLock(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// This lock should succeed normally.
	err := lock.Lock(ctx)
	assert.Nil(t, err)

	lock2Err := make(chan error, 1)
	go func() { lock2Err <- lock2.Lock(ctx) }()

	// Release the first lock.
	time.Sleep(100 * time.Millisecond)
	err = lock.Unlock(ctx)
	assert.Nil(t, err)

	// The second lock should succeed.
	assert.Nil(t, <-lock2Err)
	assert.Nil(t, lock2.Unlock(ctx))
}

func TestCrashedHolderIntegration(t *testing.T) {
	addr := startZooKeeper(t)
	lock := newIntegrationLock(t, addr)
	lock2 := newIntegrationLock(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, lock.Lock(ctx))

	lock2Err := make(chan error, 1)
	go func() { lock2Err <- lock2.Lock(ctx) }()

	// Closing the session removes the holder's ephemeral claim.
	time.Sleep(100 * time.Millisecond)
	lock.Close()

	assert.Nil(t, <-lock2Err)
	assert.Nil(t, lock2.Unlock(ctx))
}
