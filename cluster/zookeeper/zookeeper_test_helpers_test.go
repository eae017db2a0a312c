package zookeeper

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/require"
)

const testGroup = "/locks"

var quietLogger = log.New(io.Discard, "", 0)

// contender is one simulated client process: its own session, monitor and
// lock Handle.
type contender struct {
	conn    *StubConn
	monitor *SessionMonitor
	handle  *Handle
}

// newStubServer returns a StubServer with the test lock group created, and
// an administrative session on it.
func newStubServer(t *testing.T) (*StubServer, *StubConn) {
	s := NewStubServer()
	admin, _ := s.Connect()
	_, err := admin.Create(testGroup, nil, 0, lockACL)
	require.NoError(t, err)
	return s, admin
}

func newContender(t *testing.T, s *StubServer, obs Observer) *contender {
	c, events := s.Connect()
	m := NewSessionMonitor(events, quietLogger)
	t.Cleanup(m.Close)

	ct := &contender{conn: c, monitor: m}
	ct.handle = ct.newHandle(obs)

	return ct
}

func (ct *contender) newHandle(obs Observer) *Handle {
	return NewHandle(ct.conn, ct.monitor, HandleConfig{
		Group:    testGroup,
		Observer: obs,
		Logger:   quietLogger,
	})
}

func acquireAsync(ctx context.Context, h *Handle) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- h.Acquire(ctx) }()
	return ch
}

func waitState(t *testing.T, h *Handle, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.State() == s }, 2*time.Second, time.Millisecond,
		"handle never reached %s (at %s)", s, h.State())
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordingObserver records Observer calls.
type recordingObserver struct {
	mu       sync.Mutex
	waiting  map[string]string
	races    int
	notified int
	acquired []string
	failed   []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{waiting: map[string]string{}}
}

func (o *recordingObserver) Registered(string, string) {}

func (o *recordingObserver) Waiting(group, node, ahead string) {
	o.mu.Lock()
	o.waiting[node] = ahead
	o.mu.Unlock()
}

func (o *recordingObserver) Notified(string, string) {
	o.mu.Lock()
	o.notified++
	o.mu.Unlock()
}

func (o *recordingObserver) OrderingRace(string, string) {
	o.mu.Lock()
	o.races++
	o.mu.Unlock()
}

func (o *recordingObserver) Acquired(group, node string, waited time.Duration) {
	o.mu.Lock()
	o.acquired = append(o.acquired, node)
	o.mu.Unlock()
}

func (o *recordingObserver) Released(string, string, time.Duration) {}

func (o *recordingObserver) Failed(group, node string, err error) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
}

func (o *recordingObserver) watching(node string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.waiting[node]
}

func (o *recordingObserver) acquiredNodes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.acquired...)
}

// injectingClient appends extra to every listing after the first.
type injectingClient struct {
	*StubConn
	extra string

	mu    sync.Mutex
	calls int
}

func (c *injectingClient) Children(p string) ([]string, *zk.Stat, error) {
	names, stat, err := c.StubConn.Children(p)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls > 1 && err == nil {
		names = append(names, c.extra)
	}

	return names, stat, err
}
