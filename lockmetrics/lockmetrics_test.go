package lockmetrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"

	"github.com/go-zookeeper/zk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup = "/locks"

var quietLogger = log.New(io.Discard, "", 0)

func newTestLock(t *testing.T, s *zookeeper.StubServer, obs zookeeper.Observer) *zookeeper.ZooKeeperLock {
	c, events := s.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lock, err := zookeeper.NewZooKeeperLockWithClient(ctx, c, events, zookeeper.ZooKeeperLockConfig{
		Path:     testGroup,
		Observer: obs,
		Logger:   quietLogger,
	})
	require.NoError(t, err)
	t.Cleanup(lock.Close)

	return lock
}

func TestCounting(t *testing.T) {
	s := zookeeper.NewStubServer()
	counts := &Counting{}

	lock := newTestLock(t, s, counts)
	lock2 := newTestLock(t, s, counts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, lock.Lock(ctx))

	lock2Err := make(chan error, 1)
	go func() { lock2Err <- lock2.Lock(ctx) }()

	require.Eventually(t, func() bool { return counts.Counts().Waiting == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, lock.Unlock(ctx))
	require.NoError(t, <-lock2Err)

	timeout, cancelTimeout := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelTimeout()
	assert.Equal(t, zookeeper.ErrLockingTimedOut, lock.Lock(timeout))

	require.NoError(t, lock2.Unlock(ctx))

	assert.Equal(t, Counts{
		Registered: 3,
		Waiting:    2,
		Notified:   1,
		Acquired:   2,
		Released:   2,
		Failed:     1,
	}, counts.Counts())
}

func TestTee(t *testing.T) {
	a, b := &Counting{}, &Counting{}
	obs := Tee(a, nil, b)

	obs.Registered(testGroup, "lock-0000000001")
	obs.Waiting(testGroup, "lock-0000000001", "lock-0000000000")
	obs.Notified(testGroup, "lock-0000000001")
	obs.OrderingRace(testGroup, "lock-0000000001")
	obs.Acquired(testGroup, "lock-0000000001", time.Second)
	obs.Released(testGroup, "lock-0000000001", time.Second)
	obs.Failed(testGroup, "lock-0000000002", zookeeper.ErrSessionExpired)

	expected := Counts{1, 1, 1, 1, 1, 1, 1}
	assert.Equal(t, expected, a.Counts())
	assert.Equal(t, expected, b.Counts())
}

func TestReason(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{err: nil, expected: "none"},
		{err: zookeeper.ErrLockingTimedOut, expected: "timeout"},
		{err: context.Canceled, expected: "canceled"},
		{err: zookeeper.ErrSessionExpired, expected: "session_expired"},
		{err: fmt.Errorf("wrapped: %w", zookeeper.ErrSessionExpired), expected: "session_expired"},
		{err: zookeeper.ErrLostRegistration, expected: "lost_registration"},
		{err: zookeeper.ErrOrderingViolated, expected: "ordering_violated"},
		{err: zookeeper.ErrClientClosed, expected: "closed"},
		{err: zookeeper.ErrLockingFailed{}, expected: "zookeeper"},
		{err: errors.New("boom"), expected: "other"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, Reason(test.err), fmt.Sprint(test.err))
	}
}

func TestReasonRegistration(t *testing.T) {
	s := zookeeper.NewStubServer()
	c, events := s.Connect()

	m := zookeeper.NewSessionMonitor(events, quietLogger)
	defer m.Close()

	// The group doesn't exist.
	h := zookeeper.NewHandle(c, m, zookeeper.HandleConfig{Group: "/missing", Logger: quietLogger})
	err := h.Acquire(context.Background())

	assert.Equal(t, "registration", Reason(err))
	assert.True(t, errors.Is(err, zk.ErrNoNode))
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "zklock")
	require.NoError(t, err)

	counts := &Counting{}
	obs := Tee(p, counts)

	s := zookeeper.NewStubServer()
	lock := newTestLock(t, s, obs)
	lock2 := newTestLock(t, s, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, lock.Lock(ctx))

	lock2Err := make(chan error, 1)
	go func() { lock2Err <- lock2.Lock(ctx) }()

	require.Eventually(t, func() bool { return counts.Counts().Waiting == 1 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.contending.WithLabelValues(testGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.held.WithLabelValues(testGroup)))

	require.NoError(t, lock.Unlock(ctx))
	require.NoError(t, <-lock2Err)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.acquired.WithLabelValues(testGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.released.WithLabelValues(testGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.notified.WithLabelValues(testGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.held.WithLabelValues(testGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.contending.WithLabelValues(testGroup)))

	require.NoError(t, lock2.Unlock(ctx))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.held.WithLabelValues(testGroup)))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.contending.WithLabelValues(testGroup)))

	// Claims that never registered only count as failures.
	p.Failed(testGroup, "", zookeeper.ErrLockingTimedOut)
	assert.Equal(t, float64(0), testutil.ToFloat64(p.contending.WithLabelValues(testGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.failed.WithLabelValues(testGroup, "timeout")))

	// Metrics can only be registered once per registry.
	_, err = NewPrometheus(reg, "zklock")
	assert.NotNil(t, err)
}

func TestPrometheusSessionExpiry(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "zklock")
	require.NoError(t, err)

	s := zookeeper.NewStubServer()
	c, events := s.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lock, err := zookeeper.NewZooKeeperLockWithClient(ctx, c, events, zookeeper.ZooKeeperLockConfig{
		Path:     testGroup,
		Observer: p,
		Logger:   quietLogger,
	})
	require.NoError(t, err)
	defer lock.Close()

	require.NoError(t, lock.Lock(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.held.WithLabelValues(testGroup)))

	lost := lock.Lost()
	s.Expire(c)
	<-lost

	assert.Equal(t, float64(0), testutil.ToFloat64(p.held.WithLabelValues(testGroup)))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.contending.WithLabelValues(testGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.failed.WithLabelValues(testGroup, "session_expired")))
}
