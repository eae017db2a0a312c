// This file is mostly for tests, but isn't defined as a _test file due to use
// of the stubs by the zklock simulate command.

package zookeeper

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

// StubServer is an in-memory ZooKeeper. It supports sessions, persistent,
// ephemeral and sequential znodes, and one-shot data and exists watches.
type StubServer struct {
	// NotifyDelay, if set, delays delivery of every watch notification.
	NotifyDelay time.Duration

	mu          sync.Mutex
	znodes      map[string]*stubZnode
	watches     map[string][]stubWatch
	nextSession int64
}

type stubZnode struct {
	data    []byte
	version int32
	owner   int64
	// cversion drives sequential child naming.
	cversion int32
}

type stubWatch struct {
	conn *StubConn
	ch   chan zk.Event
	// exists watches also fire on creation.
	exists bool
}

// StubConn is a session on a StubServer. It implements Client.
type StubConn struct {
	s  *StubServer
	id int64

	// BeforeGetW, if set, is called at the start of every GetW call.
	BeforeGetW func(path string)

	events chan zk.Event

	// Guarded by s.mu.
	state         zk.State
	notifications int
}

// NewStubServer returns a StubServer holding only the root znode.
func NewStubServer() *StubServer {
	return &StubServer{
		znodes:  map[string]*stubZnode{"/": {}},
		watches: map[string][]stubWatch{},
	}
}

// Connect opens a new session. The returned channel carries session events
// the way zk.Connect's does.
func (s *StubServer) Connect() (*StubConn, <-chan zk.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSession++
	c := &StubConn{
		s:      s,
		id:     s.nextSession,
		events: make(chan zk.Event, 32),
		state:  zk.StateHasSession,
	}

	c.sendEvent(zk.StateConnecting)
	c.sendEvent(zk.StateConnected)
	c.sendEvent(zk.StateHasSession)

	return c, c.events
}

// Nodes returns the sorted child names of p.
func (s *StubServer) Nodes(p string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.children(p)
	sort.Strings(names)
	return names
}

// Disconnect simulates a dropped connection. Calls on c fail with
// zk.ErrConnectionClosed until Reconnect.
func (s *StubServer) Disconnect(c *StubConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.state = zk.StateDisconnected
	c.sendEvent(zk.StateDisconnected)
}

// Reconnect restores a disconnected session.
func (s *StubServer) Reconnect(c *StubConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.state = zk.StateHasSession
	c.sendEvent(zk.StateConnected)
	c.sendEvent(zk.StateHasSession)
}

// Expire ends the session of c: its ephemeral znodes are removed, its watches
// are invalidated and it emits StateExpired. Calls on c fail with
// zk.ErrSessionExpired until Renew.
func (s *StubServer) Expire(c *StubConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endSession(c, zk.ErrSessionExpired)
	c.state = zk.StateExpired
	c.sendEvent(zk.StateExpired)
}

// Renew gives an expired c a new session, the way the ZooKeeper client
// reconnects after expiry.
func (s *StubServer) Renew(c *StubConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSession++
	c.id = s.nextSession
	c.state = zk.StateHasSession
	c.sendEvent(zk.StateConnected)
	c.sendEvent(zk.StateHasSession)
}

// endSession removes the ephemeral znodes owned by c and invalidates its
// watches with err. s.mu must be held.
func (s *StubServer) endSession(c *StubConn, err error) {
	var owned []string
	for p, n := range s.znodes {
		if n.owner == c.id {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)

	for _, p := range owned {
		delete(s.znodes, p)
		s.fire(p, zk.EventNodeDeleted, true)
	}

	for p, ws := range s.watches {
		var keep []stubWatch
		for _, w := range ws {
			if w.conn != c {
				keep = append(keep, w)
				continue
			}
			w.ch <- zk.Event{Type: zk.EventNotWatching, State: zk.StateDisconnected, Path: p, Err: err}
		}
		s.setWatches(p, keep)
	}
}

func (s *StubServer) setWatches(p string, ws []stubWatch) {
	if len(ws) == 0 {
		delete(s.watches, p)
		return
	}
	s.watches[p] = ws
}

// fire notifies every watch on p. Data watches don't fire on creation.
// s.mu must be held.
func (s *StubServer) fire(p string, t zk.EventType, includeData bool) {
	var keep []stubWatch
	for _, w := range s.watches[p] {
		if !w.exists && !includeData {
			keep = append(keep, w)
			continue
		}

		w.conn.notifications++
		ev := zk.Event{Type: t, State: zk.StateHasSession, Path: p}
		if s.NotifyDelay > 0 {
			go func(ch chan zk.Event, d time.Duration) {
				time.Sleep(d)
				ch <- ev
			}(w.ch, s.NotifyDelay)
			continue
		}
		w.ch <- ev
	}
	s.setWatches(p, keep)
}

func (s *StubServer) children(p string) []string {
	var names []string
	for np := range s.znodes {
		if np != "/" && path.Dir(np) == p {
			names = append(names, path.Base(np))
		}
	}
	return names
}

// sendEvent emits a session event. Events are dropped if nobody's reading.
func (c *StubConn) sendEvent(state zk.State) {
	select {
	case c.events <- zk.Event{Type: zk.EventSession, State: state, Server: "stub"}:
	default:
	}
}

// check returns the error a call on c should fail with. s.mu must be held.
func (c *StubConn) check() error {
	switch c.state {
	case zk.StateDisconnected:
		return zk.ErrConnectionClosed
	case zk.StateExpired:
		return zk.ErrSessionExpired
	case zk.StateUnknown:
		return zk.ErrClosing
	}
	return nil
}

func (c *StubConn) addWatch(p string, exists bool) <-chan zk.Event {
	ch := make(chan zk.Event, 1)
	c.s.watches[p] = append(c.s.watches[p], stubWatch{conn: c, ch: ch, exists: exists})
	return ch
}

// Notifications returns the number of watch notifications delivered to c.
func (c *StubConn) Notifications() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.notifications
}

// SessionID returns the current session ID.
func (c *StubConn) SessionID() int64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.id
}

// State returns the connection state.
func (c *StubConn) State() zk.State {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.state
}

// Close ends the session, removing its ephemeral znodes.
func (c *StubConn) Close() {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.state == zk.StateUnknown {
		return
	}

	c.s.endSession(c, zk.ErrClosing)
	c.state = zk.StateUnknown
}

// Create creates a znode at p.
func (c *StubConn) Create(p string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return "", err
	}

	parent, ok := c.s.znodes[path.Dir(p)]
	if !ok {
		return "", zk.ErrNoNode
	}

	if parent.owner != 0 {
		return "", zk.ErrNoChildrenForEphemerals
	}

	if flags&zk.FlagSequence != 0 {
		p = fmt.Sprintf("%s%010d", p, parent.cversion)
	}

	if _, exists := c.s.znodes[p]; exists {
		return "", zk.ErrNodeExists
	}

	n := &stubZnode{data: data}
	if flags&zk.FlagEphemeral != 0 {
		n.owner = c.id
	}

	c.s.znodes[p] = n
	parent.cversion++
	c.s.fire(p, zk.EventNodeCreated, false)

	return p, nil
}

// CreateProtectedEphemeralSequential creates an ephemeral sequential znode
// whose name carries a unique "_c_<guid>-" prefix.
func (c *StubConn) CreateProtectedEphemeralSequential(p string, data []byte, acl []zk.ACL) (string, error) {
	guid := strings.ReplaceAll(uuid.NewString(), "-", "")
	protected := path.Join(path.Dir(p), fmt.Sprintf("_c_%s-%s", guid, path.Base(p)))
	if strings.HasSuffix(p, "/") {
		protected = path.Join(p, fmt.Sprintf("_c_%s-", guid))
	}

	return c.Create(protected, data, zk.FlagEphemeral|zk.FlagSequence, acl)
}

// Delete deletes the znode at p. A version of -1 matches any version.
func (c *StubConn) Delete(p string, version int32) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	n, ok := c.s.znodes[p]
	if !ok {
		return zk.ErrNoNode
	}

	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}

	if len(c.s.children(p)) > 0 {
		return zk.ErrNotEmpty
	}

	delete(c.s.znodes, p)
	c.s.fire(p, zk.EventNodeDeleted, true)

	return nil
}

// Set sets the data of the znode at p.
func (c *StubConn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}

	n, ok := c.s.znodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}

	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}

	n.data = data
	n.version++
	c.s.fire(p, zk.EventNodeDataChanged, true)

	return n.stat(), nil
}

// Exists reports whether a znode exists at p.
func (c *StubConn) Exists(p string) (bool, *zk.Stat, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return false, nil, err
	}

	n, ok := c.s.znodes[p]
	if !ok {
		return false, nil, nil
	}

	return true, n.stat(), nil
}

// ExistsW is Exists with a watch on creation, deletion or data change of p.
func (c *StubConn) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return false, nil, nil, err
	}

	ch := c.addWatch(p, true)

	n, ok := c.s.znodes[p]
	if !ok {
		return false, nil, ch, nil
	}

	return true, n.stat(), ch, nil
}

// Children returns the child names of p in no particular order.
func (c *StubConn) Children(p string) ([]string, *zk.Stat, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, nil, err
	}

	n, ok := c.s.znodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}

	return c.s.children(p), n.stat(), nil
}

// Get returns the data of the znode at p.
func (c *StubConn) Get(p string) ([]byte, *zk.Stat, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, nil, err
	}

	n, ok := c.s.znodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}

	return n.data, n.stat(), nil
}

// GetW is Get with a watch on deletion or data change of p. No watch is set
// if p doesn't exist.
func (c *StubConn) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	if c.BeforeGetW != nil {
		c.BeforeGetW(p)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, nil, nil, err
	}

	n, ok := c.s.znodes[p]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}

	return n.data, n.stat(), c.addWatch(p, false), nil
}

func (n *stubZnode) stat() *zk.Stat {
	return &zk.Stat{
		Version:        n.version,
		Cversion:       n.cversion,
		EphemeralOwner: n.owner,
	}
}
