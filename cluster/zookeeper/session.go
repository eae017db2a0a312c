package zookeeper

import (
	"context"
	"sync"

	"github.com/go-zookeeper/zk"
)

// SessionState is the lock's view of a ZooKeeper session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionDisconnected
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionExpired:
		return "expired"
	}
	return "unknown"
}

// sessionNotice is delivered to registered Handles on session transitions
// that affect them.
type sessionNotice int

const (
	noticeReconnected sessionNotice = iota
	noticeExpired
	noticeClosed
)

// SessionMonitor consumes the session event channel returned by zk.Connect
// and adapts registered Handles to connection state transitions.
type SessionMonitor struct {
	log zk.Logger

	mu    sync.Mutex
	state SessionState
	// ready is closed while the session is connected and replaced with an
	// open channel when it isn't.
	ready         chan struct{}
	everConnected bool
	closed        bool
	handles       map[*Handle]struct{}

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSessionMonitor starts a SessionMonitor reading from events. The monitor
// runs until the channel is closed or Close is called.
func NewSessionMonitor(events <-chan zk.Event, log zk.Logger) *SessionMonitor {
	if log == nil {
		log = defaultLogger()
	}

	m := &SessionMonitor{
		log:     log,
		state:   SessionConnecting,
		ready:   make(chan struct{}),
		handles: map[*Handle]struct{}{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go m.run(events)

	return m
}

// State returns the current session state.
func (m *SessionMonitor) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitConnected blocks until the session is connected, the context is done or
// the monitor stops.
func (m *SessionMonitor) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrLockingFailed{message: "session monitor stopped"}
	}
}

// Close stops the monitor and fails every registered Handle with
// ErrClientClosed, withdrawing their claims. It returns once they've
// stopped. Handles can't register with a closed monitor.
func (m *SessionMonitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	m.closed = true
	m.markReady(false)
	handles := m.snapshot()
	m.mu.Unlock()

	for _, h := range handles {
		h.notify(noticeClosed)
		<-h.done
	}
}

// register adds h to the Handles notified of session transitions. It returns
// false if the monitor was closed.
func (m *SessionMonitor) register(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.handles[h] = struct{}{}
	return true
}

func (m *SessionMonitor) deregister(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h)
	m.mu.Unlock()
}

func (m *SessionMonitor) run(events <-chan zk.Event) {
	defer close(m.done)

	for {
		select {
		case <-m.stop:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != zk.EventSession {
				continue
			}
			m.handleEvent(e)
		}
	}
}

func (m *SessionMonitor) handleEvent(e zk.Event) {
	switch e.State {
	case zk.StateHasSession:
		m.mu.Lock()
		m.state = SessionConnected
		m.markReady(true)
		reconnect := m.everConnected
		m.everConnected = true
		handles := m.snapshot()
		m.mu.Unlock()

		if !reconnect {
			m.log.Printf("[session] connected to %s\n", e.Server)
			return
		}

		m.log.Printf("[session] reconnected to %s\n", e.Server)
		for _, h := range handles {
			h.notify(noticeReconnected)
		}

	case zk.StateConnecting, zk.StateConnected:
		m.setState(SessionConnecting)

	case zk.StateDisconnected:
		m.log.Printf("[session] disconnected\n")
		m.setState(SessionDisconnected)

	case zk.StateAuthFailed:
		m.log.Printf("[session] authentication failed\n")
		m.setState(SessionDisconnected)

	case zk.StateExpired:
		m.log.Printf("[session] expired\n")

		m.mu.Lock()
		m.state = SessionExpired
		m.markReady(false)
		handles := m.snapshot()
		m.mu.Unlock()

		for _, h := range handles {
			h.notify(noticeExpired)
		}
	}
}

func (m *SessionMonitor) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.markReady(false)
	m.mu.Unlock()
}

// markReady opens or closes the ready gate. m.mu must be held.
func (m *SessionMonitor) markReady(ready bool) {
	select {
	case <-m.ready:
		if !ready {
			m.ready = make(chan struct{})
		}
	default:
		if ready {
			close(m.ready)
		}
	}
}

func (m *SessionMonitor) snapshot() []*Handle {
	handles := make([]*Handle, 0, len(m.handles))
	for h := range m.handles {
		handles = append(handles, h)
	}
	return handles
}
